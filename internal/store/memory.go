package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Kocoro-lab/riskcase/internal/models"
)

// MemoryStore keeps cases in process. It is used when no database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	cases     map[string]models.Case
	responses map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:     make(map[string]models.Case),
		responses: make(map[string][]byte),
	}
}

func (m *MemoryStore) SaveCase(ctx context.Context, c models.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = c
	return nil
}

// SaveResponse stores a serialized copy so later reads never alias the caller's value.
func (m *MemoryStore) SaveResponse(ctx context.Context, resp *models.RiskAnalysisResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[resp.CaseID] = payload
	if c, ok := m.cases[resp.CaseID]; ok {
		c.Status = resp.Status
		m.cases[resp.CaseID] = c
	}
	return nil
}

func (m *MemoryStore) GetCase(ctx context.Context, id string) (models.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return models.Case{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) GetResponse(ctx context.Context, id string) (*models.RiskAnalysisResponse, error) {
	m.mu.RLock()
	payload, ok := m.responses[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var resp models.RiskAnalysisResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
