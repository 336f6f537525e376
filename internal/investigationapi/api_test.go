package investigationapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/aegis/internal/alert"
	"github.com/linnemanlabs/aegis/internal/campaign"
	"github.com/linnemanlabs/aegis/internal/eventbus"
	"github.com/linnemanlabs/aegis/internal/investigation"
)

// fakeService is a scripted InvestigationService.
type fakeService struct {
	submitInv     *investigation.Investigation
	submitCreated bool
	submitErr     error
	submitted     []*alert.Alert

	getInv *investigation.Investigation
	getOK  bool

	listInvs []*investigation.Investigation

	cancelOK  bool
	cancelled []string
}

func (s *fakeService) Submit(_ context.Context, al *alert.Alert) (*investigation.Investigation, bool, error) {
	s.submitted = append(s.submitted, al)
	return s.submitInv, s.submitCreated, s.submitErr
}

func (s *fakeService) Get(context.Context, string) (*investigation.Investigation, bool, error) {
	return s.getInv, s.getOK, nil
}

func (s *fakeService) List(context.Context, int) ([]*investigation.Investigation, error) {
	return s.listInvs, nil
}

func (s *fakeService) Cancel(id, reason string) bool {
	s.cancelled = append(s.cancelled, id+"/"+reason)
	return s.cancelOK
}

func testInvestigation() *investigation.Investigation {
	al := &alert.Alert{
		ID:     "alrt-1",
		Source: "crowdstrike",
		Indicators: alert.Indicators{
			Type:     "brute_force",
			Severity: "high",
			SourceIP: "203.0.113.7",
		},
	}
	return investigation.New("01JN123", al, time.Now().UTC())
}

func newTestRouter(svc *fakeService, bus *eventbus.Bus, campaigns campaign.Store) chi.Router {
	if bus == nil {
		bus = eventbus.New(nil)
	}
	api := New(nil, svc, bus, campaigns)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

func TestSubmitAlert_Accepted(t *testing.T) {
	t.Parallel()

	svc := &fakeService{submitInv: testInvestigation(), submitCreated: true}
	r := newTestRouter(svc, nil, nil)

	body := `{"source":"crowdstrike","payload":{"alert_type":"brute force","severity":"high","src_ip":"203.0.113.7"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	var resp struct {
		InvestigationID string `json:"investigation_id"`
		Created         bool   `json:"created"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.InvestigationID != "01JN123" || !resp.Created {
		t.Errorf("response = %+v", resp)
	}

	if len(svc.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(svc.submitted))
	}
	if svc.submitted[0].Source != "crowdstrike" || svc.submitted[0].Indicators.Type != "brute_force" {
		t.Errorf("normalized alert = %+v", svc.submitted[0])
	}
}

func TestSubmitAlert_DuplicateReturnsOK(t *testing.T) {
	t.Parallel()

	svc := &fakeService{submitInv: testInvestigation(), submitCreated: false}
	r := newTestRouter(svc, nil, nil)

	body := `{"source":"crowdstrike","payload":{"type":"malware","severity":"high"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for a duplicate", rec.Code)
	}
}

func TestSubmitAlert_BareAlertWithoutEnvelope(t *testing.T) {
	t.Parallel()

	svc := &fakeService{submitInv: testInvestigation(), submitCreated: true}
	r := newTestRouter(svc, nil, nil)

	body := `{"alert_type":"ransomware","severity":"critical","host":"fs-01"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if len(svc.submitted) != 1 {
		t.Fatal("alert not submitted")
	}
	if svc.submitted[0].Source != "generic" {
		t.Errorf("Source = %q, want generic default", svc.submitted[0].Source)
	}
	if svc.submitted[0].Indicators.Type != "malware" {
		t.Errorf("Type = %q, want malware", svc.submitted[0].Indicators.Type)
	}
}

func TestSubmitAlert_BadPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `this is not json`},
		{"empty object", `{}`},
		{"unnormalizable payload", `{"source":"x","payload":[1,2,3]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := &fakeService{submitInv: testInvestigation(), submitCreated: true}
			r := newTestRouter(svc, nil, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body)
			}
			if len(svc.submitted) != 0 {
				t.Error("rejected payload must not reach the service")
			}
		})
	}
}

func TestGetInvestigation(t *testing.T) {
	t.Parallel()

	inv := testInvestigation()
	svc := &fakeService{getInv: inv, getOK: true}
	r := newTestRouter(svc, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations/01JN123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got investigation.Investigation
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "01JN123" || got.Status != investigation.StatusPending {
		t.Errorf("body = %+v", got)
	}
}

func TestGetInvestigation_NotFound(t *testing.T) {
	t.Parallel()

	r := newTestRouter(&fakeService{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations/missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListInvestigations(t *testing.T) {
	t.Parallel()

	svc := &fakeService{listInvs: []*investigation.Investigation{testInvestigation()}}
	r := newTestRouter(svc, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Investigations []*investigation.Investigation `json:"investigations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Investigations) != 1 {
		t.Errorf("investigations = %d, want 1", len(resp.Investigations))
	}
}

func TestCancelInvestigation(t *testing.T) {
	t.Parallel()

	svc := &fakeService{cancelOK: true}
	r := newTestRouter(svc, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investigations/01JN123/cancel",
		strings.NewReader(`{"reason":"false positive"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if len(svc.cancelled) != 1 || svc.cancelled[0] != "01JN123/false positive" {
		t.Errorf("cancelled = %v", svc.cancelled)
	}
}

func TestCancelInvestigation_DefaultReasonAndConflict(t *testing.T) {
	t.Parallel()

	svc := &fakeService{cancelOK: false}
	r := newTestRouter(svc, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investigations/01JN123/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 when not running", rec.Code)
	}
	if len(svc.cancelled) != 1 || svc.cancelled[0] != "01JN123/operator request" {
		t.Errorf("cancelled = %v, want the default reason", svc.cancelled)
	}
}

func TestCampaignRoutes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := campaign.NewMemStore()
	camp := &campaign.Campaign{ID: "01JNCAMP", MemberIDs: []string{"01JN123"}}
	if err := store.Put(ctx, camp, 0); err != nil {
		t.Fatal(err)
	}
	r := newTestRouter(&fakeService{}, nil, store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var resp struct {
		Campaigns []*campaign.Campaign `json:"campaigns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Campaigns) != 1 || resp.Campaigns[0].ID != "01JNCAMP" {
		t.Errorf("campaigns = %+v", resp.Campaigns)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/01JNCAMP", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/missing", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
}

func TestCampaignRoutes_NotConfigured(t *testing.T) {
	t.Parallel()

	r := newTestRouter(&fakeService{}, nil, nil)
	for _, path := range []string{"/api/v1/campaigns", "/api/v1/campaigns/x"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotImplemented {
			t.Errorf("%s status = %d, want 501", path, rec.Code)
		}
	}
}

func TestStreamEvents_SnapshotThenTailThenEnd(t *testing.T) {
	t.Parallel()

	inv := testInvestigation()
	bus := eventbus.New(nil)
	svc := &fakeService{getInv: inv, getOK: true}
	r := newTestRouter(svc, bus, nil)

	// Events published before the request are reflected in the snapshot
	// sequence; events after the subscription arrive on the tail.
	bus.Publish(inv.ID, eventbus.KindStatus, json.RawMessage(`{"status":"pending"}`))

	done := make(chan *httptest.ResponseRecorder, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations/"+inv.ID+"/events", nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		done <- rec
	}()

	// The subscription attaches during ServeHTTP; publish until the stream
	// is closed so the handler sees a tail event regardless of timing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(inv.ID, eventbus.KindReasoning, json.RawMessage(`{"text":"checking login history"}`))
	bus.Close(inv.ID)

	rec := <-done
	body := rec.Body.String()

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(body, "event: snapshot") {
		t.Errorf("stream missing snapshot event:\n%s", body)
	}
	if !strings.Contains(body, `"status":"pending"`) && !strings.Contains(body, inv.ID) {
		t.Errorf("snapshot payload missing investigation:\n%s", body)
	}
	if !strings.Contains(body, "event: end") {
		t.Errorf("stream missing end marker after Close:\n%s", body)
	}
	// The snapshot must precede any tail event.
	if snap, end := strings.Index(body, "event: snapshot"), strings.Index(body, "event: end"); snap > end {
		t.Error("snapshot must be the first event")
	}
}

func TestStreamEvents_UnknownInvestigationNotFound(t *testing.T) {
	t.Parallel()

	r := newTestRouter(&fakeService{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations/nope/events", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStreamEvents_TerminalInvestigationSnapshotThenEnd(t *testing.T) {
	t.Parallel()

	inv := testInvestigation()
	inv.Status = investigation.StatusComplete
	r := newTestRouter(&fakeService{getInv: inv, getOK: true}, nil, nil)

	// No live tail for a terminal investigation: the handler returns the
	// snapshot and the end marker without blocking on the bus.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations/"+inv.ID+"/events", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: snapshot") || !strings.Contains(body, `"status":"complete"`) {
		t.Errorf("missing terminal snapshot:\n%s", body)
	}
	if !strings.Contains(body, "event: end") {
		t.Errorf("missing end marker:\n%s", body)
	}
}

func TestGetInvestigation_RecordsSpanAttributes(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	inv := testInvestigation()
	r := newTestRouter(&fakeService{getInv: inv, getOK: true}, nil, nil)

	ctx, span := tp.Tracer("test").Start(context.Background(), "http.request")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations/01JN123", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	span.End()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["aegis.investigation.id"] != "01JN123" {
		t.Errorf("aegis.investigation.id = %q, want 01JN123", attrs["aegis.investigation.id"])
	}
	if attrs["aegis.investigation.status"] != string(investigation.StatusPending) {
		t.Errorf("aegis.investigation.status = %q, want pending", attrs["aegis.investigation.status"])
	}
}
