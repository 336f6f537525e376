package investigationapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/aegis/internal/eventbus"
)

// handleStreamEvents serves the live event stream for one investigation as
// server-sent events. The first event is a full snapshot of the
// investigation; every event published after the snapshot follows in
// order. A consumer that falls behind the buffer misses events and should
// reconnect for a fresh snapshot.
func (a *API) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	// Resolve the investigation before touching the bus so requests for
	// unknown ids never allocate a stream.
	inv, found, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get investigation for stream", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	// A terminal investigation has no live tail; serve its durable
	// snapshot and finish without involving the bus.
	if inv.Status.Terminal() {
		payload, err := json.Marshal(inv)
		if err != nil {
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		writeSSEHeaders(w)
		writeSSEEvent(w, eventbus.Event{
			InvestigationID: id,
			Kind:            eventbus.KindSnapshot,
			Payload:         payload,
			Timestamp:       time.Now().UTC(),
		})
		fmt.Fprintf(w, "event: end\ndata: {}\n\n")
		flusher.Flush()
		return
	}

	// The subscription is registered before the snapshot payload is read,
	// so every event published after this point follows the snapshot.
	sub := a.bus.Subscribe(id, 256, func() json.RawMessage {
		inv, found, err := a.svc.Get(r.Context(), id)
		if err != nil || !found {
			return json.RawMessage(`null`)
		}
		b, err := json.Marshal(inv)
		if err != nil {
			return json.RawMessage(`null`)
		}
		return b
	})
	defer sub.Cancel()

	writeSSEHeaders(w)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				// Stream ended: the investigation reached a terminal
				// status and its final snapshot is durable.
				fmt.Fprintf(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSEEvent(w http.ResponseWriter, ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, data)
}
