package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/progress"
)

const (
	defaultKeepAlive = 15 * time.Second
	wsWriteTimeout   = 10 * time.Second

	snapshotFrame = "snapshot"
)

// frame is the websocket envelope. Exactly one of Snapshot and Event is set.
type frame struct {
	Type     string             `json:"type"`
	Snapshot *progress.Snapshot `json:"snapshot,omitempty"`
	Event    *progress.Event    `json:"event,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API key middleware guards the route; browsers on other origins
	// are expected dashboards.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamSSE serves the job's events as server-sent events: a snapshot
// event first, then every live event with its sequence as the event id. The
// response ends when the run ends or the client goes away.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	snap, sub, err := s.jobs.Stream(r.Context(), chi.URLParam(r, jobParam))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, snapshotFrame, snap.Seq, snap); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, string(evt.Type), evt.Seq, evt); err != nil {
				s.logger.Debug("event stream write failed", zap.String("job_id", evt.JobID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, seq uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, seq, data); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	return nil
}

// streamWS serves the same frames as streamSSE over a websocket. The socket
// is closed normally when the run ends.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request) {
	snap, sub, err := s.jobs.Stream(r.Context(), chi.URLParam(r, jobParam))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	// Drain client frames so close and pong control frames are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := writeWS(conn, frame{Type: snapshotFrame, Snapshot: &snap}); err != nil {
		return
	}

	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case evt, ok := <-sub.Events():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			if err := writeWS(conn, frame{Type: string(evt.Type), Event: &evt}); err != nil {
				s.logger.Debug("websocket write failed", zap.String("job_id", evt.JobID), zap.Error(err))
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, f frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}
