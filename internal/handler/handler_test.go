package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/receiptdraw/internal/ingest"
	"github.com/mmeshcher/receiptdraw/internal/middleware"
	"github.com/mmeshcher/receiptdraw/internal/model"
	"github.com/mmeshcher/receiptdraw/internal/service"
)

const testVerifyToken = "verify-secret"

type stubService struct {
	pingErr error

	tokenTenant string
	tokenValue  string
	tokenErr    error

	tenants    []service.TenantView
	tenantsErr error

	tenant    *service.TenantView
	tenantErr error

	gotUpdate service.ConfigUpdate
	updateErr error

	activeID  string
	active    bool
	activeErr error

	statsTenant string
	stats       model.AggregateStats
	statsErr    error

	redemptionsLimit int
	redemptions      []model.Redemption
	redemptionsErr   error
}

func (s *stubService) Ping(ctx context.Context) error {
	return s.pingErr
}

func (s *stubService) UpdateToken(ctx context.Context, tenantID, token string) error {
	s.tokenTenant, s.tokenValue = tenantID, token
	return s.tokenErr
}

func (s *stubService) ListTenants(ctx context.Context) ([]service.TenantView, error) {
	return s.tenants, s.tenantsErr
}

func (s *stubService) GetTenant(ctx context.Context, id string) (*service.TenantView, error) {
	return s.tenant, s.tenantErr
}

func (s *stubService) UpdateConfig(ctx context.Context, id string, upd service.ConfigUpdate) (*service.TenantView, error) {
	s.gotUpdate = upd
	return s.tenant, s.updateErr
}

func (s *stubService) SetActive(ctx context.Context, id string, active bool) error {
	s.activeID, s.active = id, active
	return s.activeErr
}

func (s *stubService) Stats(ctx context.Context, tenantID string) (model.AggregateStats, error) {
	s.statsTenant = tenantID
	return s.stats, s.statsErr
}

func (s *stubService) Redemptions(ctx context.Context, tenantID string, limit int) ([]model.Redemption, error) {
	s.redemptionsLimit = limit
	return s.redemptions, s.redemptionsErr
}

type stubGate struct {
	calls int
	env   ingest.Envelope
}

func (g *stubGate) Handle(ctx context.Context, env ingest.Envelope) ingest.Result {
	g.calls++
	g.env = env
	if env.Object != ingest.PageObject {
		return ingest.Result{Ignored: true}
	}
	return ingest.Result{Scheduled: 1}
}

func newTestRouter(t *testing.T, svc Service, gate Gate) http.Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	h := NewHandler(svc, gate, logger, testVerifyToken, map[string]bool{"FB_VERIFY_TOKEN": true})
	return h.SetupRouter()
}

func doRequest(h http.Handler, method, target string, body []byte, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if admin {
		req.Header.Set(middleware.AdminTokenHeader, testVerifyToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	s, _ := resp["status"].(string)
	return s
}

func TestVerifyWebhook(t *testing.T) {
	r := newTestRouter(t, &stubService{}, &stubGate{})

	tests := []struct {
		name   string
		query  string
		status int
		body   string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-secret&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-secret&hub.challenge=12345", http.StatusForbidden, ""},
		{"missing params", "", http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(r, http.MethodGet, "/webhook?"+tt.query, nil, false)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestReceiveWebhook_AlwaysAcknowledges(t *testing.T) {
	gate := &stubGate{}
	r := newTestRouter(t, &stubService{}, gate)

	page := []byte(`{"object":"page","entry":[{"id":"P1","messaging":[{"sender":{"id":"U1"},"message":{"mid":"m1","attachments":[{"type":"image","payload":{"url":"https://img"}}]}}]}]}`)
	rec := doRequest(r, http.MethodPost, "/webhook", page, false)
	if rec.Code != http.StatusOK || decodeStatus(t, rec) != "ok" {
		t.Fatalf("page event: status = %d", rec.Code)
	}
	if gate.calls != 1 || len(gate.env.Entry) != 1 || gate.env.Entry[0].ID != "P1" {
		t.Fatalf("gate not called with envelope: %+v", gate.env)
	}

	rec = doRequest(r, http.MethodPost, "/webhook", []byte(`{"object":"instagram"}`), false)
	if rec.Code != http.StatusOK || decodeStatus(t, rec) != "ignored" {
		t.Fatalf("non-page event: status = %d", rec.Code)
	}

	rec = doRequest(r, http.MethodPost, "/webhook", []byte(`{broken`), false)
	if rec.Code != http.StatusOK || decodeStatus(t, rec) != "ok" {
		t.Fatalf("malformed body: status = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("not-gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || decodeStatus(t, rec) != "ok" {
		t.Fatalf("corrupt gzip body: status = %d", rec.Code)
	}

	if gate.calls != 2 {
		t.Fatalf("gate calls = %d, want 2", gate.calls)
	}
}

func TestReceiveWebhook_GzipBody(t *testing.T) {
	gate := &stubGate{}
	r := newTestRouter(t, &stubService{}, gate)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(`{"object":"page","entry":[{"id":"P1"}]}`))
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || decodeStatus(t, rec) != "ok" {
		t.Fatalf("status = %d", rec.Code)
	}
	if gate.calls != 1 || gate.env.Entry[0].ID != "P1" {
		t.Fatalf("gate not called with decompressed envelope: %+v", gate.env)
	}
}

func TestAdmin_RequiresSecret(t *testing.T) {
	svc := &stubService{}
	r := newTestRouter(t, svc, &stubGate{})

	body, _ := json.Marshal(tokenRequest{TenantID: "P1", NewCredential: strings.Repeat("x", 60)})
	rec := doRequest(r, http.MethodPost, "/admin/token", body, false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if svc.tokenTenant != "" {
		t.Fatalf("service must not be called without secret")
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
	req.Header.Set(middleware.AdminTokenHeader, "wrong")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("wrong secret status = %d, want %d", rw.Code, http.StatusForbidden)
	}
}

func TestUpdateToken(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"success", `{"tenant_id":"P1","new_credential":"abc"}`, nil, http.StatusOK},
		{"invalid input", `{"tenant_id":"P1","new_credential":"abc"}`, fmt.Errorf("%w: too short", service.ErrInvalidInput), http.StatusBadRequest},
		{"unknown tenant", `{"tenant_id":"P9","new_credential":"abc"}`, model.ErrTenantNotFound, http.StatusNotFound},
		{"store failure", `{"tenant_id":"P1","new_credential":"abc"}`, errors.New("db down"), http.StatusInternalServerError},
		{"malformed body", `{`, nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{tokenErr: tt.err}
			r := newTestRouter(t, svc, &stubGate{})

			rec := doRequest(r, http.MethodPost, "/admin/token", []byte(tt.body), true)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusOK && (svc.tokenTenant != "P1" || svc.tokenValue != "abc") {
				t.Fatalf("service got %q/%q", svc.tokenTenant, svc.tokenValue)
			}
		})
	}
}

func TestTenants(t *testing.T) {
	view := &service.TenantView{ID: "P1", ShopName: "Acme", Active: true, AccessToken: "EAAB12***WXYZ"}
	svc := &stubService{
		tenants: []service.TenantView{*view},
		tenant:  view,
	}
	r := newTestRouter(t, svc, &stubGate{})

	rec := doRequest(r, http.MethodGet, "/admin/tenants", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []service.TenantView
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "P1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	rec = doRequest(r, http.MethodGet, "/admin/tenants/P1", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	svc.tenantErr = model.ErrTenantNotFound
	rec = doRequest(r, http.MethodGet, "/admin/tenants/P9", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing tenant status = %d", rec.Code)
	}
}

func TestUpdateConfig(t *testing.T) {
	svc := &stubService{tenant: &service.TenantView{ID: "P1"}}
	r := newTestRouter(t, svc, &stubGate{})

	body := []byte(`{"shop_name":"Acme","shop_patterns":["acme"],"prizes":[{"name":"A","rate":0.5}]}`)
	rec := doRequest(r, http.MethodPut, "/admin/tenants/P1/config", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.gotUpdate.ShopName == nil || *svc.gotUpdate.ShopName != "Acme" || len(svc.gotUpdate.Prizes) != 1 {
		t.Fatalf("unexpected update: %+v", svc.gotUpdate)
	}

	svc.updateErr = fmt.Errorf("%w: rate out of range", service.ErrInvalidInput)
	rec = doRequest(r, http.MethodPut, "/admin/tenants/P1/config", body, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid update status = %d", rec.Code)
	}
}

func TestSetActive(t *testing.T) {
	svc := &stubService{}
	r := newTestRouter(t, svc, &stubGate{})

	rec := doRequest(r, http.MethodPut, "/admin/tenants/P1/active", []byte(`{"is_active":false}`), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.activeID != "P1" || svc.active {
		t.Fatalf("service got %q/%v", svc.activeID, svc.active)
	}

	rec = doRequest(r, http.MethodPut, "/admin/tenants/P1/active", []byte(`{}`), true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing flag status = %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	svc := &stubService{stats: model.AggregateStats{TotalPages: 1, TotalSpins: 5}}
	r := newTestRouter(t, svc, &stubGate{})

	rec := doRequest(r, http.MethodGet, "/admin/stats?tenant_id=P1", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.statsTenant != "P1" {
		t.Fatalf("tenant filter = %q", svc.statsTenant)
	}
	var stats model.AggregateStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalSpins != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRedemptions(t *testing.T) {
	svc := &stubService{redemptions: []model.Redemption{{TenantID: "P1", InvoiceID: "INV-1", PrizeName: "A"}}}
	r := newTestRouter(t, svc, &stubGate{})

	rec := doRequest(r, http.MethodGet, "/admin/tenants/P1/redemptions?limit=10", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.redemptionsLimit != 10 {
		t.Fatalf("limit = %d, want 10", svc.redemptionsLimit)
	}

	rec = doRequest(r, http.MethodGet, "/admin/tenants/P1/redemptions?limit=abc", nil, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}

	svc.redemptions = nil
	rec = doRequest(r, http.MethodGet, "/admin/tenants/P1/redemptions", nil, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("empty status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	svc := &stubService{}
	r := newTestRouter(t, svc, &stubGate{})

	rec := doRequest(r, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || !resp.Checks["database"] || !resp.Checks["FB_VERIFY_TOKEN"] {
		t.Fatalf("unexpected health: %+v", resp)
	}

	svc.pingErr = errors.New("down")
	rec = doRequest(r, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, &stubService{}, &stubGate{})

	_ = doRequest(r, http.MethodGet, "/health", nil, false)
	rec := doRequest(r, http.MethodGet, "/metrics", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("metrics output does not contain http_requests_total")
	}
}

func TestMetricsEndpoint_GzipScrape(t *testing.T) {
	r := newTestRouter(t, &stubService{}, &stubGate{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Values("Content-Encoding"); len(got) != 1 || got[0] != "gzip" {
		t.Fatalf("content-encoding = %v", got)
	}

	gr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("new gzip reader: %v", err)
	}
	body, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "# HELP") {
		t.Fatalf("body is not plain exposition text after one gunzip: %q", body[:min(len(body), 16)])
	}
}
