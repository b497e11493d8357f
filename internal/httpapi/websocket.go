package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams case events over a websocket.
// GET /v1/cases/{id}/events?types=state,done&last_event_id=N
//
// Events already published are replayed first, so a client that connects
// after the case started still sees every transition the hub retains. The
// stream closes after the done event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")

	typeFilter := map[string]struct{}{}
	if q := r.URL.Query().Get("types"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				typeFilter[t] = struct{}{}
			}
		}
	}
	var since uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			since = n + 1
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// subscribe before replaying so nothing published in between is lost
	ch := s.events.Subscribe(caseID, 256)
	defer s.events.Unsubscribe(caseID, ch)

	var next uint64
	send := func(ev streaming.Event) (bool, error) {
		if ev.Seq < next {
			return false, nil
		}
		next = ev.Seq + 1
		if _, want := typeFilter[ev.Type]; len(typeFilter) > 0 && !want {
			return ev.Type == streaming.EventDone, nil
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ev.Type == streaming.EventDone, conn.WriteJSON(ev)
	}

	for _, ev := range s.events.ReplaySince(caseID, since) {
		done, err := send(ev)
		if err != nil {
			return
		}
		if done {
			s.closeNormal(conn)
			return
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(3 * s.heartbeat))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(3 * s.heartbeat))
		return nil
	})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			done, err := send(ev)
			if err != nil {
				s.logger.Debug("Event stream write failed", zap.String("case_id", caseID), zap.Error(err))
				return
			}
			if done {
				s.closeNormal(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "case finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
