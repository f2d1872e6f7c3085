package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/session"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const maxRequestBytes = 8 << 20

// Server exposes a session manager over HTTP.
type Server struct {
	sessions  *session.Manager
	gatherer  prometheus.Gatherer
	metrics   *runMetrics
	startedAt time.Time
	// requestTimeout bounds reading the first websocket frame.
	requestTimeout time.Duration
}

type Option func(*Server)

// WithRegistry registers the server's run metrics on reg and serves reg on
// /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.gatherer = reg
		s.metrics = newRunMetrics(reg)
	}
}

func New(sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		sessions:       sessions,
		startedAt:      time.Now(),
		requestTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.gatherer == nil {
		WithRegistry(prometheus.NewRegistry())(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", s.handleRun)
	mux.HandleFunc("GET /runs/ws", s.handleRunWS)
	mux.HandleFunc("POST /threads/{threadId}/cancel", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return requestLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming is unsupported by response writer"))
		return
	}

	h, err := s.sessions.StartRun(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.metrics.track(h)

	w.Header().Set("Content-Type", events.ContentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Thread-Id", h.ThreadID)
	w.Header().Set("X-Run-Id", h.RunID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for e := range h.Events() {
		s.metrics.observe(e)
		if err := enc.Encode(e); err != nil {
			log.Debug().Err(err).Str("run_id", h.RunID).Msg("server: client went away")
			h.Abandon()
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")
	conn.SetReadLimit(maxRequestBytes)

	readCtx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		log.Debug().Err(err).Msg("server: no run request on websocket")
		_ = conn.Close(websocket.StatusPolicyViolation, "expected a run request")
		return
	}
	var req session.Request
	if err := json.Unmarshal(data, &req); err != nil {
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, "invalid run request")
		return
	}

	// closing the socket from the other side cancels the run
	ctx := conn.CloseRead(r.Context())
	h, err := s.sessions.StartRun(ctx, req)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	s.metrics.track(h)

	if err := writeEvents(ctx, h.Events(), conn, s.metrics.observe); err != nil {
		h.Abandon()
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "run finished")
}

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func writeEvents(ctx context.Context, evs <-chan events.Event, writer wsWriter, observe func(events.Event)) error {
	for e := range evs {
		observe(e)
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")
	if !s.sessions.Cancel(threadID) {
		writeError(w, http.StatusNotFound, errors.Errorf("thread %s has no active run", threadID))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"threadId": threadID, "cancelled": true})
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
