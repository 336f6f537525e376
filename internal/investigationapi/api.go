// Package investigationapi exposes the investigation lifecycle over HTTP:
// alert submission, snapshots, live event streaming and campaign views.
package investigationapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aegis/internal/alert"
	"github.com/linnemanlabs/aegis/internal/campaign"
	"github.com/linnemanlabs/aegis/internal/eventbus"
	"github.com/linnemanlabs/aegis/internal/investigation"
)

// InvestigationService defines the business operations the API needs.
type InvestigationService interface {
	Submit(ctx context.Context, al *alert.Alert) (*investigation.Investigation, bool, error)
	Get(ctx context.Context, id string) (*investigation.Investigation, bool, error)
	List(ctx context.Context, limit int) ([]*investigation.Investigation, error)
	Cancel(id, reason string) bool
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       InvestigationService
	bus       *eventbus.Bus
	campaigns campaign.Store
}

// New creates a new API handler. campaigns may be nil; the campaign routes
// then return 501.
func New(logger log.Logger, svc InvestigationService, bus *eventbus.Bus, campaigns campaign.Store) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("investigation service is required"))
	}
	if bus == nil {
		panic(xerrors.New("event bus is required"))
	}
	return &API{
		logger:    logger,
		svc:       svc,
		bus:       bus,
		campaigns: campaigns,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleSubmitAlert)
		r.Get("/investigations", a.handleListInvestigations)
		r.Get("/investigations/{id}", a.handleGetInvestigation)
		r.Get("/investigations/{id}/events", a.handleStreamEvents)
		r.Post("/investigations/{id}/cancel", a.handleCancelInvestigation)
		r.Get("/campaigns", a.handleListCampaigns)
		r.Get("/campaigns/{id}", a.handleGetCampaign)
	})
}

func (a *API) handleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("aegis.investigation.id", id))

	inv, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get investigation", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("aegis.investigation.status", string(inv.Status)))
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) handleListInvestigations(w http.ResponseWriter, r *http.Request) {
	invs, err := a.svc.List(r.Context(), 100)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list investigations")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investigations": invs})
}

func (a *API) handleCancelInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}

	if !a.svc.Cancel(id, body.Reason) {
		http.Error(w, `{"error":"not running"}`, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"cancelled": id})
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	if a.campaigns == nil {
		http.Error(w, `{"error":"campaigns not configured"}`, http.StatusNotImplemented)
		return
	}
	campaigns, err := a.campaigns.List(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list campaigns")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	if a.campaigns == nil {
		http.Error(w, `{"error":"campaigns not configured"}`, http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "id")
	c, ok, err := a.campaigns.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get campaign", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
