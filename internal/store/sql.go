package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/circuitbreaker"
	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
)

// Config holds database configuration
type Config struct {
	Driver          string
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	QueueSize       int
	Workers         int
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 2
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return c
}

func (c Config) dataSource() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == "sqlite3" {
		return "riskcase.db?_foreign_keys=on"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type writeKind int

const (
	writeCase writeKind = iota
	writeResponse
)

func (k writeKind) String() string {
	switch k {
	case writeCase:
		return "case"
	case writeResponse:
		return "response"
	default:
		return "unknown"
	}
}

type writeRequest struct {
	kind writeKind
	c    models.Case
	resp *models.RiskAnalysisResponse
}

// SQLStore persists cases through sqlx. Writes go through a queue with one
// lane per worker; a case always maps to the same lane, so its rows are
// written in submission order.
type SQLStore struct {
	db     *circuitbreaker.DatabaseWrapper
	driver string
	logger *zap.Logger
	now    func() time.Time

	lanes   []chan writeRequest
	stopCh  chan struct{}
	workers sync.WaitGroup
	closed  atomic.Bool
	pending atomic.Int64
}

// Open connects to the configured database, applies the schema and starts the write workers.
func Open(ctx context.Context, config Config, logger *zap.Logger) (*SQLStore, error) {
	config = config.withDefaults()
	switch config.Driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	raw, err := sqlx.Open(config.Driver, config.dataSource())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	raw.SetMaxOpenConns(config.MaxConnections)
	raw.SetMaxIdleConns(config.IdleConnections)
	raw.SetConnMaxLifetime(config.MaxLifetime)
	if config.Driver == "sqlite3" {
		// sqlite allows a single writer
		raw.SetMaxOpenConns(1)
	}

	s := New(raw, config, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("Case store initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", config.Workers),
	)
	return s, nil
}

// New wraps an open connection and starts the write workers.
func New(raw *sqlx.DB, config Config, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	s := &SQLStore{
		db:     circuitbreaker.NewDatabaseWrapper(raw, logger),
		driver: raw.DriverName(),
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	per := max(config.QueueSize/config.Workers, 1)
	for i := 0; i < config.Workers; i++ {
		lane := make(chan writeRequest, per)
		s.lanes = append(s.lanes, lane)
		s.workers.Add(1)
		go s.writeWorker(i, lane)
	}
	return s
}

// Migrate creates missing tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Wrapper returns the breaker-protected connection for health checks.
func (s *SQLStore) Wrapper() *circuitbreaker.DatabaseWrapper { return s.db }

func (s *SQLStore) writeWorker(id int, lane chan writeRequest) {
	defer s.workers.Done()
	s.logger.Debug("Write worker started", zap.Int("worker_id", id))
	for {
		select {
		case <-s.stopCh:
			s.drain(lane)
			s.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-lane:
			s.process(req)
		}
	}
}

func (s *SQLStore) drain(lane chan writeRequest) {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-lane:
			s.process(req)
		case <-timeout:
			s.logger.Warn("Timeout draining write queue", zap.Int("pending", len(lane)))
			return
		default:
			return
		}
	}
}

func (s *SQLStore) process(req writeRequest) {
	s.pending.Add(-1)
	metrics.StoreQueueDepth.Set(float64(s.pending.Load()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.write(ctx, req); err != nil {
		s.logger.Error("Failed to process write request",
			zap.String("kind", req.kind.String()),
			zap.Error(err),
		)
	}
}

func (s *SQLStore) write(ctx context.Context, req writeRequest) error {
	var err error
	var caseID string
	switch req.kind {
	case writeCase:
		caseID = req.c.ID
		err = s.WriteCase(ctx, req.c)
	case writeResponse:
		caseID = req.resp.CaseID
		err = s.WriteResponse(ctx, req.resp)
	}
	result := "ok"
	if err != nil {
		result = "error"
		err = fmt.Errorf("case %s: %w", caseID, err)
	}
	metrics.StoreWrites.WithLabelValues(req.kind.String(), result).Inc()
	return err
}

func (s *SQLStore) lane(caseID string) chan writeRequest {
	h := fnv.New32a()
	h.Write([]byte(caseID))
	return s.lanes[int(h.Sum32()%uint32(len(s.lanes)))]
}

// enqueue never drops a write: a full lane or a closed store falls back to
// a synchronous write.
func (s *SQLStore) enqueue(ctx context.Context, caseID string, req writeRequest) error {
	if !s.closed.Load() {
		s.pending.Add(1)
		select {
		case s.lane(caseID) <- req:
			metrics.StoreQueueDepth.Set(float64(s.pending.Load()))
			return nil
		default:
			s.pending.Add(-1)
			s.logger.Warn("Write queue is full, falling back to synchronous write",
				zap.String("kind", req.kind.String()))
		}
	}
	return s.write(ctx, req)
}

// SaveCase queues an upsert of the case row.
func (s *SQLStore) SaveCase(ctx context.Context, c models.Case) error {
	return s.enqueue(ctx, c.ID, writeRequest{kind: writeCase, c: c})
}

// SaveResponse queues the terminal response, its transitions and the case status.
func (s *SQLStore) SaveResponse(ctx context.Context, resp *models.RiskAnalysisResponse) error {
	if resp == nil {
		return errors.New("nil response")
	}
	return s.enqueue(ctx, resp.CaseID, writeRequest{kind: writeResponse, resp: resp})
}

const upsertCase = `
	INSERT INTO cases (id, raw_query, status, horizon_months, as_of, request, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`

// WriteCase upserts the case row synchronously.
func (s *SQLStore) WriteCase(ctx context.Context, c models.Case) error {
	row, err := caseRow(c, s.now())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertCase,
		row.ID, row.RawQuery, row.Status, row.HorizonMonths, row.AsOf, row.Request, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save case: %w", err)
	}
	return nil
}

const upsertResponse = `
	INSERT INTO case_responses (case_id, status, risk_score, risk_band, model_version, qa_status, payload, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (case_id) DO UPDATE SET
		status = excluded.status,
		risk_score = excluded.risk_score,
		risk_band = excluded.risk_band,
		model_version = excluded.model_version,
		qa_status = excluded.qa_status,
		payload = excluded.payload,
		completed_at = excluded.completed_at`

// WriteResponse stores the response in one transaction with the case status
// and the transition log.
func (s *SQLStore) WriteResponse(ctx context.Context, resp *models.RiskAnalysisResponse) error {
	row, err := responseRow(resp)
	if err != nil {
		return err
	}
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE cases SET status = ?, updated_at = ? WHERE id = ?`),
			row.Status, s.now().UTC(), row.CaseID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(upsertResponse),
			row.CaseID, row.Status, row.RiskScore, row.RiskBand, row.ModelVersion, row.QAStatus, row.Payload, row.CompletedAt); err != nil {
			return err
		}
		return writeTransitions(ctx, tx, resp.CaseID, resp.Audit.Transitions)
	})
	if err != nil {
		return fmt.Errorf("failed to save response: %w", err)
	}
	return nil
}

// GetCase reads one case row.
func (s *SQLStore) GetCase(ctx context.Context, id string) (models.Case, error) {
	var row CaseRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, raw_query, status, horizon_months, as_of, request, created_at, updated_at
		FROM cases WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Case{}, ErrNotFound
	}
	if err != nil {
		return models.Case{}, fmt.Errorf("failed to get case: %w", err)
	}
	return row.Case()
}

// GetResponse reads the stored response of a terminal case.
func (s *SQLStore) GetResponse(ctx context.Context, id string) (*models.RiskAnalysisResponse, error) {
	var row ResponseRow
	err := s.db.GetContext(ctx, &row, `
		SELECT case_id, status, risk_score, risk_band, model_version, qa_status, payload, completed_at
		FROM case_responses WHERE case_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	return row.Response()
}

// Ping checks connectivity through the breaker.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close stops the workers after they drain their lanes, then closes the connection.
func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stopCh)
	s.workers.Wait()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("Case store closed")
	return nil
}
