package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one watched file changing on disk.
type ChangeEvent struct {
	File      string
	Action    string // initial_load, create, modify, manual_reload
	Data      []byte
	Timestamp time.Time
}

// ChangeHandler is called with the new contents of a watched file.
type ChangeHandler func(event ChangeEvent) error

// Validator rejects file contents before handlers see them.
type Validator func(data []byte) error

// ConfigManager watches a configuration directory and hot-reloads the
// scoring model and policy files as they change.
type ConfigManager struct {
	configDir      string
	handlers       map[string][]ChangeHandler
	validators     map[string]Validator
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	debounce       time.Duration
	started        bool
	stopCh         chan struct{}
	doneCh         chan struct{}
	logger         *zap.Logger
	mu             sync.RWMutex
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(configDir)
	if err != nil {
		return nil, fmt.Errorf("config directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config path %s is not a directory", configDir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &ConfigManager{
		configDir:  configDir,
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]Validator),
		watcher:    watcher,
		debounce:   50 * time.Millisecond,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger,
	}, nil
}

// RegisterHandler registers a change handler for a file in the watched directory.
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
}

// RegisterValidator registers a validator for a file in the watched directory.
func (cm *ConfigManager) RegisterValidator(filename string, validator Validator) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = validator
}

// RegisterPolicyHandler registers a handler run whenever any .rego file changes.
func (cm *ConfigManager) RegisterPolicyHandler(handler func() error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.policyHandlers = append(cm.policyHandlers, handler)
}

// Start loads every registered file once and begins watching. It returns the
// first initial-load error so a malformed model file fails startup.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = true
	files := make([]string, 0, len(cm.handlers))
	for name := range cm.handlers {
		files = append(files, name)
	}
	cm.mu.Unlock()

	go cm.watchLoop(ctx)

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	for _, name := range files {
		path := filepath.Join(cm.configDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := cm.loadFile(path, "initial_load", true); err != nil {
			return err
		}
	}

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("watched_files", len(files)),
	)
	return nil
}

// Stop stops watching and waits for the watch loop to exit.
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	if !cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = false
	close(cm.stopCh)
	cm.mu.Unlock()

	err := cm.watcher.Close()
	<-cm.doneCh
	return err
}

// ReloadConfig re-reads one file and notifies its handlers synchronously.
func (cm *ConfigManager) ReloadConfig(filename string) error {
	return cm.loadFile(filepath.Join(cm.configDir, filename), "manual_reload", true)
}

func (cm *ConfigManager) watchLoop(ctx context.Context) {
	defer close(cm.doneCh)
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) handleWatchEvent(event fsnotify.Event) {
	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		action = "delete"
	default:
		return
	}

	if filepath.Ext(event.Name) == ".rego" {
		cm.reloadPolicies(filepath.Base(event.Name), action)
		return
	}
	if action == "delete" {
		// keep serving the last good version
		cm.logger.Warn("Watched configuration file removed", zap.String("file", filepath.Base(event.Name)))
		return
	}

	// editors emit several writes per save
	time.Sleep(cm.debounce)
	if err := cm.loadFile(event.Name, action, false); err != nil {
		cm.logger.Error("Failed to reload configuration file",
			zap.String("file", filepath.Base(event.Name)),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (cm *ConfigManager) loadFile(path, action string, strict bool) error {
	filename := filepath.Base(path)

	cm.mu.RLock()
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	validator := cm.validators[filename]
	cm.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	if validator != nil {
		if err := validator(data); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	event := ChangeEvent{File: filename, Action: action, Data: data, Timestamp: time.Now()}
	var firstErr error
	for _, h := range handlers {
		if err := h(event); err != nil {
			cm.logger.Error("Configuration handler error",
				zap.String("filename", filename),
				zap.String("action", action),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if strict && firstErr != nil {
		return fmt.Errorf("apply %s: %w", filename, firstErr)
	}

	cm.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (cm *ConfigManager) reloadPolicies(filename, action string) {
	cm.mu.RLock()
	handlers := append([]func() error(nil), cm.policyHandlers...)
	cm.mu.RUnlock()

	cm.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, handler := range handlers {
		if err := handler(); err != nil {
			cm.logger.Error("Policy reload handler failed", zap.String("file", filename), zap.Error(err))
		}
	}
}

// YAMLValidator returns a Validator that checks data decodes into a value of
// type T and then applies check to it.
func YAMLValidator[T any](check func(*T) error) Validator {
	return func(data []byte) error {
		var v T
		if err := yaml.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
		if check == nil {
			return nil
		}
		return check(&v)
	}
}
