package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/store"
	"github.com/Kocoro-lab/riskcase/internal/streaming"
)

type fakeRunner struct {
	mu        sync.Mutex
	submitted []models.CaseRequest
	cancelled []string
	err       error
}

func (f *fakeRunner) Submit(ctx context.Context, req models.CaseRequest) (models.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Case{}, f.err
	}
	f.submitted = append(f.submitted, req)
	return models.Case{ID: "case-1", Request: req, RawQuery: req.RawQuery(), Status: models.StateCreated}, nil
}

func (f *fakeRunner) Cancel(caseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if caseID != "case-1" {
		return errors.New("unknown or finished case")
	}
	f.cancelled = append(f.cancelled, caseID)
	return nil
}

func newTestServer(t *testing.T, runner Runner, auth *AuthMiddleware) (*Server, *store.MemoryStore, *streaming.Hub) {
	t.Helper()
	mem := store.NewMemoryStore()
	hub := streaming.NewHub(64)
	return NewServer(runner, mem, hub, auth, zaptest.NewLogger(t)), mem, hub
}

func TestCreateCase(t *testing.T) {
	runner := &fakeRunner{}
	srv, _, _ := newTestServer(t, runner, nil)

	body := `{"business_name":"Blue Door Cafe","address":"123 Market St","horizon_months":6}`
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cases", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/cases/case-1", rec.Header().Get("Location"))
	var c models.Case
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, "case-1", c.ID)
	require.Len(t, runner.submitted, 1)
	assert.Equal(t, 6, runner.submitted[0].HorizonMonths)
}

func TestCreateCaseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"business_name":`},
		{"unknown field", `{"business_name":"x","colour":"blue"}`},
		{"empty", `{"horizon_months":6}`},
		{"half coordinates", `{"business_name":"x","lat":37.7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			srv, _, _ := newTestServer(t, runner, nil)
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cases", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, runner.submitted)
		})
	}
}

func TestSubmitFailure(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRunner{err: errors.New("temporal unavailable")}, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cases", strings.NewReader(`{"business_name":"x"}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "temporal")
}

func TestGetCase(t *testing.T) {
	srv, mem, _ := newTestServer(t, &fakeRunner{}, nil)
	ctx := context.Background()
	require.NoError(t, mem.SaveCase(ctx, models.Case{ID: "running", Status: models.StateAcquiring}))
	require.NoError(t, mem.SaveCase(ctx, models.Case{ID: "done", Status: models.StateCreated}))
	require.NoError(t, mem.SaveResponse(ctx, &models.RiskAnalysisResponse{CaseID: "done", Status: models.StateComplete}))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cases/running", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ACQUIRING"`)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cases/done", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp models.RiskAnalysisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StateComplete, resp.Status)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cases/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelCase(t *testing.T) {
	runner := &fakeRunner{}
	srv, _, _ := newTestServer(t, runner, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/cases/case-1", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"case-1"}, runner.cancelled)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/cases/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeRunner{}, nil)
	router := srv.Router()
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/cases/missing", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `riskcase_http_requests_total{code="404",method="GET",route="/v1/cases/{id}"}`)
}

func TestEventStream(t *testing.T) {
	srv, _, hub := newTestServer(t, &fakeRunner{}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// published before the client connects, delivered by replay
	hub.Publish("case-1", streaming.Event{Type: streaming.EventState, From: "CREATED", To: "RESOLVING"})
	hub.Publish("case-1", streaming.Event{Type: streaming.EventSource, Source: "permits"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/cases/case-1/events?types=state,done"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first streaming.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "RESOLVING", first.To)

	go func() {
		// give the handler time to move from replay to the live channel
		time.Sleep(50 * time.Millisecond)
		hub.Publish("case-1", streaming.Event{Type: streaming.EventState, From: "RESOLVING", To: "COMPLETE"})
		hub.Publish("case-1", streaming.Event{Type: streaming.EventDone, To: "COMPLETE"})
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []streaming.Event
	for {
		var ev streaming.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "COMPLETE", got[0].To)
	assert.Equal(t, streaming.EventDone, got[1].Type)
	assert.Equal(t, uint64(2), got[0].Seq)
}

func TestEventStreamResumesAfterLastEventID(t *testing.T) {
	srv, _, hub := newTestServer(t, &fakeRunner{}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	hub.Publish("case-1", streaming.Event{Type: streaming.EventState, To: "RESOLVING"})
	hub.Publish("case-1", streaming.Event{Type: streaming.EventState, To: "ACQUIRING"})
	hub.Publish("case-1", streaming.Event{Type: streaming.EventDone, To: "FAILED"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/cases/case-1/events?last_event_id=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ACQUIRING", ev.To)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, streaming.EventDone, ev.Type)
}
