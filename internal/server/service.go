// Package server assembles the case service from configuration: the case
// store, source agents, the strategy model, the policy layer, the HTTP API
// and, when enabled, the Temporal worker that runs cases durably.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Kocoro-lab/riskcase/internal/casemanager"
	"github.com/Kocoro-lab/riskcase/internal/circuitbreaker"
	"github.com/Kocoro-lab/riskcase/internal/config"
	"github.com/Kocoro-lab/riskcase/internal/evidence"
	"github.com/Kocoro-lab/riskcase/internal/explain"
	"github.com/Kocoro-lab/riskcase/internal/features"
	"github.com/Kocoro-lab/riskcase/internal/health"
	"github.com/Kocoro-lab/riskcase/internal/httpapi"
	"github.com/Kocoro-lab/riskcase/internal/identity"
	"github.com/Kocoro-lab/riskcase/internal/interceptors"
	"github.com/Kocoro-lab/riskcase/internal/llm"
	"github.com/Kocoro-lab/riskcase/internal/policy"
	"github.com/Kocoro-lab/riskcase/internal/policyguard"
	"github.com/Kocoro-lab/riskcase/internal/qa"
	"github.com/Kocoro-lab/riskcase/internal/ratecontrol"
	"github.com/Kocoro-lab/riskcase/internal/scoring"
	"github.com/Kocoro-lab/riskcase/internal/sources"
	"github.com/Kocoro-lab/riskcase/internal/store"
	"github.com/Kocoro-lab/riskcase/internal/strategy"
	"github.com/Kocoro-lab/riskcase/internal/streaming"
	"github.com/Kocoro-lab/riskcase/internal/tracing"
	"github.com/Kocoro-lab/riskcase/internal/workflows"
)

const (
	serviceName     = "riskcase"
	eventRingSize   = 256
	healthInterval  = 15 * time.Second
	rateLimitsFile  = "rate_limits.yaml"
	maxDialAttempts = 30
)

// Service owns every long-lived component of the case service.
type Service struct {
	config  *config.Config
	logger  *zap.Logger
	store   store.Store
	cache   *sources.RedisCache
	socrata *sources.SocrataClient
	llm     llm.Client
	policy  *policy.OPAEngine
	scorer  *scoring.Scorer
	events  *streaming.Hub
	manager *casemanager.Manager
	health  *health.Manager
	runner  httpapi.Runner

	configs  []*config.ConfigManager
	temporal client.Client
	worker   worker.Worker
	api      *http.Server
	admin    *http.Server
	grpc     *grpc.Server
}

// New builds the in-process case stack. Nothing listens until Serve.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		config: cfg,
		logger: logger,
		events: streaming.NewHub(eventRingSize),
		health: health.NewManager(healthInterval, logger),
	}

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	s.store = st

	var cache sources.Cache
	if cfg.Redis.Enabled {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.cache = sources.NewRedisCache(rc, cfg.Sources.CacheTTL, cfg.Sources.StaleTTL, logger)
		cache = s.cache
	}

	s.socrata = sources.NewSocrataClient(sources.SocrataConfig{
		BaseURL:    cfg.Sources.BaseURL,
		AppToken:   cfg.Sources.AppToken,
		MaxRetries: cfg.Sources.MaxRetries,
	}, &http.Client{
		Timeout:   cfg.Sources.AgentTimeout,
		Transport: interceptors.NewRoundTripper(nil),
	}, cache, logger)
	registry, lookup := sources.NewStandardRegistry(s.socrata, cfg.Sources.Datasets, sources.AgentConfig{
		SearchRadiusMeters: cfg.Sources.SearchRadiusMeters,
		RecordSampleSize:   cfg.Sources.RecordSampleSize,
		RowLimit:           cfg.Sources.RowLimit,
	}, logger)

	resolver := identity.NewResolver(lookup, identity.WeightedScorer{
		NameWeight:    cfg.Identity.NameWeight,
		AddressWeight: cfg.Identity.AddressWeight,
		GeoWeight:     cfg.Identity.GeoWeight,
	}, identity.Config{
		MatchThreshold: cfg.Identity.MatchThreshold,
		TieMargin:      cfg.Identity.TieMargin,
		MaxCandidates:  cfg.Identity.MaxCandidates,
	}, logger)

	s.scorer = scoring.NewScorer(loadModel(cfg.Scoring.ModelPath, logger))

	s.llm, err = llm.New(ctx, llm.Config{
		Provider:    cfg.LLM.Provider,
		Endpoint:    cfg.LLM.Endpoint,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		CallTimeout: cfg.LLM.CallTimeout,
	}, logger)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("llm client: %w", err)
	}
	strategist := strategy.NewAgent(s.llm, strategy.Config{
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		MaxAttempts: cfg.Strategy.MaxAttempts,
		CallTimeout: cfg.LLM.CallTimeout,
	}, logger)
	var explainer casemanager.Explainer
	if cfg.Strategy.Explain {
		explainer = explain.New(s.llm, explain.Config{
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			MaxAttempts: 1,
			CallTimeout: cfg.LLM.CallTimeout,
		}, logger)
	}

	s.policy, err = policy.NewOPAEngine(&policy.Config{
		Enabled:    cfg.Policy.Enabled,
		Mode:       policy.ParseMode(cfg.Policy.Mode),
		Path:       cfg.Policy.Path,
		FailClosed: cfg.Policy.FailClosed,
		CacheSize:  cfg.Policy.CacheSize,
		CacheTTL:   cfg.Policy.CacheTTL,
	}, logger)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	pipeline, err := casemanager.NewPipeline(casemanager.Deps{
		Resolver:   resolver,
		Sources:    registry,
		Features:   features.NewBuilder(),
		Scorer:     s.scorer,
		Packager:   evidence.NewPackager(evidence.Limits(cfg.Evidence)),
		Strategist: strategist,
		Explainer:  explainer,
		Guard:      policyguard.New(s.policy, logger),
		Critic:     qa.NewCritic(cfg.QA.CoverageThreshold, logger),
		Events:     s.events,
		Logger:     logger,
	}, casemanager.Config{
		AgentTimeout:        cfg.Sources.AgentTimeout,
		AcquisitionDeadline: cfg.Sources.AcquisitionDeadline,
		MaxConcurrency:      cfg.Sources.MaxConcurrency,
		QARetries:           cfg.QA.MaxRetries,
		Freshness: sources.FreshnessPolicy{
			MaxAge:    cfg.Sources.FreshnessMaxAge,
			Overrides: cfg.Sources.FreshnessOverrides,
		},
	})
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.manager = casemanager.NewManager(pipeline, s.store, s.events, logger)
	s.runner = s.manager

	if err := s.registerCheckers(); err != nil {
		s.closeStores()
		return nil, err
	}
	return s, nil
}

// Manager returns the in-process case manager.
func (s *Service) Manager() *casemanager.Manager { return s.manager }

// Scorer returns the live scorer; hot reloads swap its model.
func (s *Service) Scorer() *scoring.Scorer { return s.scorer }

// Health returns the health manager.
func (s *Service) Health() *health.Manager { return s.health }

// Handler builds the public API router over the active runner.
func (s *Service) Handler() (http.Handler, error) {
	auth, err := httpapi.NewAuthMiddleware(s.config.Auth, s.logger)
	if err != nil {
		return nil, err
	}
	return httpapi.NewServer(s.runner, s.store, s.events, auth, s.logger).Router(), nil
}

// Serve starts config watching, the optional Temporal worker and every
// listener, then blocks until ctx is cancelled or the API server fails.
func (s *Service) Serve(ctx context.Context) error {
	circuitbreaker.StartMetricsCollection(ctx)

	if err := s.WatchConfig(ctx); err != nil {
		return err
	}
	if s.config.Temporal.Enabled {
		if err := s.startTemporal(ctx); err != nil {
			return err
		}
	}
	if err := s.health.Start(ctx); err != nil {
		return err
	}

	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.admin = health.StartHealthServer(s.health, s.config.Service.MetricsPort, promhttp.Handler(), s.logger)
	if err := s.startGRPCHealth(); err != nil {
		return err
	}

	// no write timeout: event streams are long-lived
	s.api = &http.Server{
		Addr:              ":" + strconv.Itoa(s.config.Service.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.Int("port", s.config.Service.HTTPPort))
		if err := s.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// WatchConfig starts hot reload of the risk model, the rate limit table and
// the policy directory.
func (s *Service) WatchConfig(ctx context.Context) error {
	dir := s.config.Service.ConfigDir
	if dir == "" {
		return nil
	}
	cm, err := config.NewConfigManager(dir, s.logger)
	if err != nil {
		s.logger.Warn("Config manager disabled", zap.String("config_dir", dir), zap.Error(err))
		return nil
	}
	modelFile := filepath.Base(s.config.Scoring.ModelPath)
	cm.RegisterValidator(modelFile, func(data []byte) error {
		_, err := scoring.ParseModel(data)
		return err
	})
	cm.RegisterHandler(modelFile, s.reloadModel)
	cm.RegisterHandler(rateLimitsFile, func(config.ChangeEvent) error {
		ratecontrol.Reload()
		return nil
	})
	if err := cm.Start(ctx); err != nil {
		_ = cm.Stop()
		return err
	}
	s.configs = append(s.configs, cm)

	if !s.config.Policy.Enabled || s.config.Policy.Path == "" {
		return nil
	}
	pm, err := config.NewConfigManager(s.config.Policy.Path, s.logger)
	if err != nil {
		s.logger.Warn("Policy watcher disabled", zap.String("path", s.config.Policy.Path), zap.Error(err))
		return nil
	}
	pm.RegisterPolicyHandler(s.policy.LoadPolicies)
	if err := pm.Start(ctx); err != nil {
		_ = pm.Stop()
		return err
	}
	s.configs = append(s.configs, pm)
	return nil
}

func (s *Service) reloadModel(ev config.ChangeEvent) error {
	m, err := scoring.ParseModel(ev.Data)
	if err != nil {
		return err
	}
	if err := s.scorer.SetModel(m); err != nil {
		return err
	}
	s.logger.Info("Risk model loaded",
		zap.String("model_version", m.Version),
		zap.String("action", ev.Action),
	)
	return nil
}

// startTemporal dials Temporal, starts the case worker and routes new cases
// through workflows instead of the in-process manager.
func (s *Service) startTemporal(ctx context.Context) error {
	tc := s.config.Temporal
	var (
		c   client.Client
		err error
	)
	for attempt := 1; ; attempt++ {
		c, err = client.Dial(client.Options{
			HostPort:  tc.HostPort,
			Namespace: tc.Namespace,
			Logger:    workflows.NewLogger(s.logger),
		})
		if err == nil {
			break
		}
		if attempt >= maxDialAttempts {
			return fmt.Errorf("dial temporal %s: %w", tc.HostPort, err)
		}
		delay := time.Duration(attempt) * time.Second
		if delay > 15*time.Second {
			delay = 15 * time.Second
		}
		s.logger.Warn("Temporal not ready, retrying",
			zap.Int("attempt", attempt),
			zap.String("host", tc.HostPort),
			zap.Duration("sleep", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	w := worker.New(c, tc.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: s.config.Sources.MaxConcurrency * 4,
	})
	w.RegisterWorkflow(workflows.CaseWorkflow)
	workflows.NewActivities(s.manager.Pipeline(), s.store, s.events, s.logger).Register(w)
	if err := w.Start(); err != nil {
		c.Close()
		return fmt.Errorf("start temporal worker: %w", err)
	}
	s.temporal = c
	s.worker = w
	s.runner = workflows.NewStarter(c, tc.TaskQueue, s.manager, s.store, s.logger).
		WithTimeouts(workflows.TimeoutsFor(budgetFor(s.config))).
		WithRunTimeout(tc.Timeout)
	s.logger.Info("Temporal worker started",
		zap.String("host", tc.HostPort),
		zap.String("task_queue", tc.TaskQueue),
	)
	return nil
}

func (s *Service) startGRPCHealth() error {
	port := s.config.Service.GRPCHealthPort
	if port <= 0 {
		return nil
	}
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("grpc health listener: %w", err)
	}
	hs := grpchealth.NewServer()
	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, hs)
	s.health.MirrorTo(hs, serviceName)
	go func() {
		s.logger.Info("gRPC health server listening", zap.Int("port", port))
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Error("gRPC health server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Service) registerCheckers() error {
	var dbBreaker *circuitbreaker.CircuitBreaker
	if sq, ok := s.store.(*store.SQLStore); ok {
		dbBreaker = sq.Wrapper().Breaker()
	}
	checkers := []health.Checker{
		health.NewPingChecker("case_store", true, s.store.Ping, dbBreaker),
		health.NewBreakerChecker("socrata", s.socrata.Breaker()),
	}
	if s.cache != nil {
		checkers = append(checkers, health.NewPingChecker("redis", false, s.cache.Ping, s.cache.Breaker()))
	}
	if hc, ok := s.llm.(*llm.HTTPClient); ok && s.config.LLM.Endpoint != "" {
		url := strings.TrimRight(s.config.LLM.Endpoint, "/") + "/models"
		checkers = append(checkers, health.NewEndpointChecker("llm", url, false, nil, hc.Breaker()))
	}
	for _, c := range checkers {
		if err := s.health.RegisterChecker(c); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops listeners first, then drains running cases and closes
// the stores.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.api != nil {
		errs = append(errs, s.api.Shutdown(ctx))
	}
	if s.admin != nil {
		errs = append(errs, s.admin.Shutdown(ctx))
	}
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.temporal != nil {
		s.temporal.Close()
	}
	errs = append(errs, s.manager.Shutdown(ctx))
	for _, cm := range s.configs {
		errs = append(errs, cm.Stop())
	}
	errs = append(errs, s.health.Stop())
	errs = append(errs, s.closeStores())
	return errors.Join(errs...)
}

func (s *Service) closeStores() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.Driver == "" {
		logger.Info("No database driver configured, keeping cases in memory")
		return store.NewMemoryStore(), nil
	}
	st, err := store.Open(ctx, store.Config{
		Driver:         cfg.Driver,
		DSN:            cfg.DatabaseDSN(),
		MaxConnections: cfg.MaxConnections,
		QueueSize:      cfg.WriteQueueSize,
		Workers:        cfg.WriteWorkers,
	}, logger)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// loadModel falls back to the built-in model when the file is missing or
// invalid.
func loadModel(path string, logger *zap.Logger) *scoring.Model {
	if path == "" {
		return scoring.DefaultModel()
	}
	m, err := scoring.LoadModel(path)
	if err != nil {
		logger.Warn("Using built-in risk model", zap.String("path", path), zap.Error(err))
		return scoring.DefaultModel()
	}
	return m
}

// budgetFor collects the stage limits the workflow activity timeouts must cover.
func budgetFor(cfg *config.Config) workflows.Budget {
	return workflows.Budget{
		AgentTimeout:        cfg.Sources.AgentTimeout,
		AcquisitionDeadline: cfg.Sources.AcquisitionDeadline,
		LLMCallTimeout:      cfg.LLM.CallTimeout,
		StrategyAttempts:    cfg.Strategy.MaxAttempts,
		QARetries:           cfg.QA.MaxRetries,
	}
}

// Version is stamped at build time.
var Version = "dev"

// Run serves until ctx is cancelled, then shuts down within the configured
// graceful timeout.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Tracing unavailable", zap.Error(err))
	}

	svc, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	serveErr := svc.Serve(ctx)
	if serveErr != nil {
		logger.Error("Service stopped with error", zap.Error(serveErr))
	}

	logger.Info("Shutting down riskcase service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	err = errors.Join(serveErr, svc.Shutdown(shutdownCtx), shutdownTracing(shutdownCtx))
	if err == nil {
		logger.Info("Shutdown complete")
	}
	return err
}
