package investigationapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/aegis/internal/alert"
)

// submitRequest is the inbound alert envelope. Source selects the
// normalization profile; Payload is the raw alert in the source's shape.
type submitRequest struct {
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

func (a *API) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"payload too large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		// Bare alert without the envelope; accept it as-is.
		req.Payload = body
	}
	if req.Source == "" {
		req.Source = "generic"
	}

	al, err := alert.Normalize(req.Source, req.Payload, time.Now().UTC())
	if err != nil {
		a.logger.Warn(r.Context(), "alert normalization rejected payload", "source", req.Source, "error", err)
		http.Error(w, `{"error":"unrecognized alert payload"}`, http.StatusBadRequest)
		return
	}

	inv, created, err := a.svc.Submit(r.Context(), al)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to submit alert", "alert_id", al.ID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"investigation_id": inv.ID,
		"status":           inv.Status,
		"created":          created,
	})
}
