package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/circuitbreaker"
	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/ratecontrol"
	"github.com/Kocoro-lab/riskcase/internal/tracing"
)

// SoQL is one dataset query.
type SoQL struct {
	Select string
	Where  string
	Order  string
	Limit  int
}

func (q SoQL) values() url.Values {
	v := url.Values{}
	if q.Select != "" {
		v.Set("$select", q.Select)
	}
	if q.Where != "" {
		v.Set("$where", q.Where)
	}
	if q.Order != "" {
		v.Set("$order", q.Order)
	}
	if q.Limit > 0 {
		v.Set("$limit", strconv.Itoa(q.Limit))
	}
	return v
}

// Quote renders s as a SoQL string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Row is one dataset record.
type Row map[string]any

// String returns a field as text.
func (r Row) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

var timeLayouts = []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", time.RFC3339, "2006-01-02"}

// Time parses a floating timestamp field.
func (r Row) Time(field string) (time.Time, bool) {
	s := r.String(field)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Point returns the coordinates of a GeoJSON point field.
func (r Row) Point(field string) (lat, lon float64, ok bool) {
	m, isMap := r[field].(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	coords, isSlice := m["coordinates"].([]any)
	if !isSlice || len(coords) != 2 {
		return 0, 0, false
	}
	x, okX := coords[0].(float64)
	y, okY := coords[1].(float64)
	if !okX || !okY {
		return 0, 0, false
	}
	return y, x, true
}

// QueryResult is the outcome of one dataset query.
type QueryResult struct {
	Rows      []Row
	FetchedAt time.Time
	Stale     bool
}

// DatasetMetadata describes a dataset snapshot.
type DatasetMetadata struct {
	ID            string
	Name          string
	RowsUpdatedAt time.Time
}

// Querier runs dataset queries.
type Querier interface {
	Query(ctx context.Context, ds Dataset, q SoQL) (QueryResult, error)
	Metadata(ctx context.Context, ds Dataset) (DatasetMetadata, error)
}

// SocrataConfig configures the client.
type SocrataConfig struct {
	BaseURL    string
	AppToken   string
	MaxRetries int
	// BaseBackoff is the first retry delay when a 429 carries no Retry-After.
	BaseBackoff time.Duration
}

// SocrataClient queries SODA endpoints through a circuit breaker, paced by
// the per-dataset limiter, with an optional response cache.
type SocrataClient struct {
	config SocrataConfig
	http   *circuitbreaker.HTTPWrapper
	cache  Cache
	logger *zap.Logger
	now    func() time.Time
}

// NewSocrataClient creates a client. cache may be nil.
func NewSocrataClient(config SocrataConfig, httpClient *http.Client, cache Cache, logger *zap.Logger) *SocrataClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 500 * time.Millisecond
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &SocrataClient{
		config: config,
		http:   circuitbreaker.NewHTTPWrapper(httpClient, "socrata", "datasets", "socrata", logger),
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Breaker exposes the provider circuit for health checks.
func (c *SocrataClient) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

// Query runs q against dataset. A fresh cache hit skips the provider; when
// the provider fails, a stale cached copy is returned with Stale set.
func (c *SocrataClient) Query(ctx context.Context, ds Dataset, q SoQL) (QueryResult, error) {
	endpoint := fmt.Sprintf("%s/resource/%s.json?%s", c.config.BaseURL, url.PathEscape(ds.ID), q.values().Encode())
	dataset := ds.Category
	key := cacheKey(endpoint)

	if c.cache != nil {
		if data, ok := c.cache.GetFresh(ctx, key); ok {
			if res, err := decodeCached(data); err == nil {
				metrics.DatasetCacheResults.WithLabelValues(dataset, "hit").Inc()
				return res, nil
			}
		}
		metrics.DatasetCacheResults.WithLabelValues(dataset, "miss").Inc()
	}

	body, err := c.get(ctx, ds, endpoint)
	if err != nil {
		if c.cache != nil && ctx.Err() == nil {
			if data, ok := c.cache.GetStale(ctx, key); ok {
				if res, decErr := decodeCached(data); decErr == nil {
					metrics.DatasetCacheResults.WithLabelValues(dataset, "stale").Inc()
					c.logger.Warn("Serving stale dataset rows",
						zap.String("dataset", dataset),
						zap.Time("fetched_at", res.FetchedAt),
						zap.Error(err),
					)
					res.Stale = true
					return res, nil
				}
			}
		}
		return QueryResult{}, err
	}

	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return QueryResult{}, fmt.Errorf("decode %s rows: %w", dataset, err)
	}
	res := QueryResult{Rows: rows, FetchedAt: c.now().UTC()}
	if c.cache != nil {
		if data, err := json.Marshal(cachedResult{Rows: rows, FetchedAt: res.FetchedAt}); err == nil {
			c.cache.Put(ctx, key, data)
		}
	}
	return res, nil
}

// Metadata reads the dataset's view metadata for freshness reporting.
func (c *SocrataClient) Metadata(ctx context.Context, ds Dataset) (DatasetMetadata, error) {
	endpoint := fmt.Sprintf("%s/api/views/%s.json", c.config.BaseURL, url.PathEscape(ds.ID))
	body, err := c.get(ctx, ds, endpoint)
	dataset := ds.ID
	if err != nil {
		return DatasetMetadata{}, err
	}
	var view struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		RowsUpdatedAt int64  `json:"rowsUpdatedAt"`
	}
	if err := json.Unmarshal(body, &view); err != nil {
		return DatasetMetadata{}, fmt.Errorf("decode %s metadata: %w", dataset, err)
	}
	md := DatasetMetadata{ID: view.ID, Name: view.Name}
	if view.RowsUpdatedAt > 0 {
		md.RowsUpdatedAt = time.Unix(view.RowsUpdatedAt, 0).UTC()
	}
	return md, nil
}

func (c *SocrataClient) get(ctx context.Context, ds Dataset, endpoint string) ([]byte, error) {
	limiter := ratecontrol.ForDataset(ds.Category)
	dataset := ds.ID
	backoff := c.config.BaseBackoff

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryAfter, err := c.do(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		if attempt >= c.config.MaxRetries {
			return nil, fmt.Errorf("%s after %d attempts: %w", dataset, attempt, err)
		}

		wait := backoff
		if retryAfter > 0 {
			wait = retryAfter
		}
		limiter.Backoff(wait)
		backoff *= 2
		c.logger.Debug("Dataset throttled, backing off",
			zap.String("dataset", dataset),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
	}
}

func (c *SocrataClient) do(ctx context.Context, endpoint string) ([]byte, time.Duration, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, endpoint)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.config.AppToken != "" {
		req.Header.Set("X-App-Token", c.config.AppToken)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), ErrRateLimited
	case resp.StatusCode >= 400:
		return nil, 0, fmt.Errorf("dataset provider returned %d: %s", resp.StatusCode, truncateBody(body))
	}
	return body, 0, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

type cachedResult struct {
	Rows      []Row     `json:"rows"`
	FetchedAt time.Time `json:"fetched_at"`
}

func decodeCached(data []byte) (QueryResult, error) {
	var c cachedResult
	if err := json.Unmarshal(data, &c); err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Rows: c.Rows, FetchedAt: c.FetchedAt}, nil
}

func cacheKey(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:16])
}
