// Package status exposes a small read-only HTTP surface: liveness,
// per-host counters, recent events, a tail of the log file, and a live
// websocket event stream. It is optional; the fetch path never depends on
// it.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/logfetcher/internal/events"
	"github.com/gluk-w/logfetcher/internal/fetcher"
	"github.com/gluk-w/logfetcher/internal/logging"
)

// Engine is the read-only view of a fetch engine the surface renders.
type Engine interface {
	Host() string
	SnapshotStats() fetcher.Stats
	ActiveTransfers() int
	ChannelUp() bool
}

// HostStatus is one row of the status response.
type HostStatus struct {
	Host            string        `json:"host"`
	ChannelUp       bool          `json:"channelUp"`
	ActiveTransfers int           `json:"activeTransfers"`
	Stats           fetcher.Stats `json:"stats"`
}

// Server renders the status endpoints.
type Server struct {
	engines  []Engine
	recorder *events.Recorder
}

// NewServer creates a Server over the given engines. recorder may be nil;
// the host events endpoint then serves an empty list and the websocket
// stream closes right after the handshake.
func NewServer(engines []Engine, recorder *events.Recorder) *Server {
	return &Server{engines: engines, recorder: recorder}
}

// Router builds the chi router for the surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/hosts/{name}/events", s.hostEvents)
		r.Get("/logs", s.logs)
		r.Get("/events/ws", s.eventsWS)
	})
	return r
}

// ListenAndServe runs the surface on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	slog.Info("status surface listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	up := 0
	for _, e := range s.engines {
		if e.ChannelUp() {
			up++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"hosts":      len(s.engines),
		"channelsUp": up,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := make([]HostStatus, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, HostStatus{
			Host:            e.Host(),
			ChannelUp:       e.ChannelUp(),
			ActiveTransfers: e.ActiveTransfers(),
			Stats:           e.SnapshotStats(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) hostEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, e := range s.engines {
		if e.Host() != name {
			continue
		}
		var evs []events.Event
		if s.recorder != nil {
			evs = s.recorder.Events(name)
		}
		if evs == nil {
			evs = []events.Event{}
		}
		writeJSON(w, http.StatusOK, evs)
		return
	}
	http.Error(w, "unknown host", http.StatusNotFound)
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}
	content, err := logging.ReadTail(lines)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

// eventsWS streams recorder events to the client as JSON messages until the
// client disconnects.
func (s *Server) eventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("event stream accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if s.recorder == nil {
		conn.Close(websocket.StatusUnsupportedData, "no recorder")
		return
	}

	sub := s.recorder.Subscribe(64)
	defer s.recorder.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
