package sources

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, srv *httptest.Server, cache Cache) *SocrataClient {
	t.Helper()
	return NewSocrataClient(SocrataConfig{
		BaseURL:     srv.URL,
		AppToken:    "token-123",
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
	}, srv.Client(), cache, zaptest.NewLogger(t))
}

func TestSocrataQuerySendsSoQLAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resource/vw6y-z8j6.json", r.URL.Path)
		assert.Equal(t, "token-123", r.Header.Get("X-App-Token"))
		assert.Equal(t, "status = 'Open'", r.URL.Query().Get("$where"))
		assert.Equal(t, "50", r.URL.Query().Get("$limit"))
		_, _ = w.Write([]byte(`[{"service_name":"Graffiti","point":{"type":"Point","coordinates":[-122.41,37.77]}}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.Query(context.Background(), Dataset{Category: "test_soql", ID: "vw6y-z8j6"},
		SoQL{Where: "status = " + Quote("Open"), Limit: 50})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Graffiti", res.Rows[0].String("service_name"))
	lat, lon, ok := res.Rows[0].Point("point")
	require.True(t, ok)
	assert.InDelta(t, 37.77, lat, 1e-9)
	assert.InDelta(t, -122.41, lon, 1e-9)
	assert.False(t, res.Stale)
}

func TestSocrataRetriesAfterThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	res, err := c.Query(context.Background(), Dataset{Category: "test_retry", ID: "aaaa-0001"}, SoQL{})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSocrataGivesUpWhenThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.Query(context.Background(), Dataset{Category: "test_throttled", ID: "aaaa-0002"}, SoQL{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, KindRateLimited, Degraded("permits", err).Kind)
}

func TestSocrataServesStaleCacheOnFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(rdb, time.Minute, time.Hour, zaptest.NewLogger(t))
	defer cache.Close()

	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"1"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, cache)
	ds := Dataset{Category: "test_stale", ID: "aaaa-0003"}
	ctx := context.Background()

	first, err := c.Query(ctx, ds, SoQL{Where: "x = 1"})
	require.NoError(t, err)
	assert.False(t, first.Stale)

	// Expire the fresh copy only.
	mr.FastForward(2 * time.Minute)
	fail.Store(true)

	second, err := c.Query(ctx, ds, SoQL{Where: "x = 1"})
	require.NoError(t, err)
	assert.True(t, second.Stale)
	require.Len(t, second.Rows, 1)
	assert.Equal(t, "1", second.Rows[0].String("id"))
	assert.WithinDuration(t, first.FetchedAt, second.FetchedAt, time.Millisecond)
}

func TestSocrataFreshCacheSkipsProvider(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	cache := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute, time.Hour, nil)
	defer cache.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`[{"id":"1"},{"id":"2"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, cache)
	ds := Dataset{Category: "test_fresh", ID: "aaaa-0004"}
	for i := 0; i < 3; i++ {
		res, err := c.Query(context.Background(), ds, SoQL{Limit: 5})
		require.NoError(t, err)
		assert.Len(t, res.Rows, 2)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSocrataMetadata(t *testing.T) {
	updated := time.Date(2025, 1, 10, 6, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/views/gm2e-bten.json", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "gm2e-bten",
			"name":          "DBI Complaints",
			"rowsUpdatedAt": updated.Unix(),
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	md, err := c.Metadata(context.Background(), Dataset{Category: "test_metadata", ID: "gm2e-bten"})
	require.NoError(t, err)
	assert.Equal(t, "DBI Complaints", md.Name)
	assert.True(t, updated.Equal(md.RowsUpdatedAt))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}

func TestQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, "'O''Farrell St'", Quote("O'Farrell St"))
}
