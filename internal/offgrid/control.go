package offgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	platformerrors "github.com/jmgilman/go/errors"
)

// controlRoutes is the surface the page's status UI talks to.
func (s *Service) controlRoutes(r chi.Router) {
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/queue", s.handleQueue)
	r.Post("/sync", s.handleSync)
	r.Post("/install", s.handleInstall)
}

type statusBody struct {
	OfflineStatus
	Lifecycle  LifecycleState `json:"lifecycle"`
	Generation string         `json:"generation,omitempty"`
}

func (s *Service) statusBody(ctx context.Context) statusBody {
	body := statusBody{OfflineStatus: s.Status(ctx), Lifecycle: s.lifecycle.State()}
	if g := s.lifecycle.Current(); g != nil {
		body.Generation = g.Name()
	}
	return body
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusBody(r.Context()))
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.Drain(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if entries == nil {
		entries = []QueuedRequest{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.sync.Replay(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Reinstall(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusBody(r.Context()))
}

type sseEvent struct {
	name string
	data any
}

// sseObserver forwards hub events to one stream, dropping when the client is
// slower than the events.
type sseObserver struct{ ch chan sseEvent }

func (o sseObserver) send(ev sseEvent) {
	select {
	case o.ch <- ev:
	default:
	}
}

func (o sseObserver) ConnectivityChanged(ev ConnectivityEvent) { o.send(sseEvent{"offline-change", ev}) }
func (o sseObserver) SyncCompleted(ev SyncEvent)               { o.send(sseEvent{"sync-complete", ev}) }

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	obs := sseObserver{ch: make(chan sseEvent, 16)}
	unsubscribe := s.hub.Subscribe(obs)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, sseEvent{"status", s.statusBody(r.Context())}); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-obs.ch:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev sseEvent) error {
	b, err := json.Marshal(ev.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, b)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, platformerrors.ToJSON(err))
}
