// Package handler содержит HTTP-обработчики вебхука и административного API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/receiptdraw/internal/ingest"
	"github.com/mmeshcher/receiptdraw/internal/middleware"
	"github.com/mmeshcher/receiptdraw/internal/model"
	"github.com/mmeshcher/receiptdraw/internal/service"
)

// Service определяет контракт административной логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	UpdateToken(ctx context.Context, tenantID, token string) error
	ListTenants(ctx context.Context) ([]service.TenantView, error)
	GetTenant(ctx context.Context, id string) (*service.TenantView, error)
	UpdateConfig(ctx context.Context, id string, upd service.ConfigUpdate) (*service.TenantView, error)
	SetActive(ctx context.Context, id string, active bool) error
	Stats(ctx context.Context, tenantID string) (model.AggregateStats, error)
	Redemptions(ctx context.Context, tenantID string, limit int) ([]model.Redemption, error)
}

// Gate принимает разобранное тело вебхука и планирует фоновую обработку.
type Gate interface {
	Handle(ctx context.Context, env ingest.Envelope) ingest.Result
}

// maxWebhookBody ограничивает размер тела вебхука.
const maxWebhookBody = 1 << 20

// Handler реализует HTTP-обработчики сервиса.
type Handler struct {
	service     Service
	gate        Gate
	logger      *zap.Logger
	adminAuth   *middleware.AdminAuth
	verifyToken string
	settings    map[string]bool
}

// NewHandler создаёт обработчик. settings отражает наличие обязательных настроек
// и выводится в /health.
func NewHandler(s Service, gate Gate, logger *zap.Logger, verifyToken string, settings map[string]bool) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:     s,
		gate:        gate,
		logger:      logger,
		adminAuth:   middleware.NewAdminAuth(verifyToken),
		verifyToken: verifyToken,
		settings:    settings,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}

// VerifyWebhook подтверждает подписку платформы: возвращает hub.challenge как есть
// при совпадении режима и токена, иначе 403.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		h.logger.Warn("webhook verification rejected", zap.String("mode", mode))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// ReceiveWebhook принимает события платформы. Ответ всегда 200, независимо от
// результата обработки, чтобы платформа не повторяла доставку.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var env ingest.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&env); err != nil {
		h.logger.Warn("webhook body decode error", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.logger)
		return
	}

	res := h.gate.Handle(r.Context(), env)
	if res.Ignored {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"}, h.logger)
		return
	}

	h.logger.Debug("webhook accepted",
		zap.Int("scheduled", res.Scheduled),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.logger)
}

type tokenRequest struct {
	TenantID      string `json:"tenant_id"`
	NewCredential string `json:"new_credential"`
}

// UpdateToken заменяет токен отправки сообщений арендатора.
func (h *Handler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateToken(r.Context(), req.TenantID, req.NewCredential); err != nil {
		h.writeServiceError(w, "update token error", err)
		return
	}

	h.logger.Info("tenant credential updated", zap.String("tenant_id", req.TenantID))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "success",
		"tenant_id": req.TenantID,
	}, h.logger)
}

// ListTenants возвращает всех арендаторов с замаскированными токенами.
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.service.ListTenants(r.Context())
	if err != nil {
		h.writeServiceError(w, "list tenants error", err)
		return
	}
	writeJSON(w, http.StatusOK, tenants, h.logger)
}

// GetTenant возвращает одного арендатора.
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetTenant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get tenant error", err)
		return
	}
	writeJSON(w, http.StatusOK, t, h.logger)
}

// UpdateConfig применяет частичное обновление конфигурации арендатора.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var upd service.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.UpdateConfig(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		h.writeServiceError(w, "update config error", err)
		return
	}
	writeJSON(w, http.StatusOK, t, h.logger)
}

type activeRequest struct {
	Active *bool `json:"is_active"`
}

// SetActive включает или отключает арендатора.
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.SetActive(r.Context(), id, *req.Active); err != nil {
		h.writeServiceError(w, "set active error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": id, "is_active": *req.Active}, h.logger)
}

// Stats возвращает суммарные счётчики, по одному арендатору при заданном tenant_id.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		h.writeServiceError(w, "stats error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats, h.logger)
}

// Redemptions возвращает последние записи реестра погашений арендатора.
func (h *Handler) Redemptions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.service.Redemptions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeServiceError(w, "list redemptions error", err)
		return
	}
	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, list, h.logger)
}

type healthResponse struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks"`
}

// Health сообщает о доступности хранилища и наличии обязательных настроек.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]bool, len(h.settings)+1)
	for k, v := range h.settings {
		checks[k] = v
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbErr := h.service.Ping(ctx)
	if dbErr != nil {
		h.logger.Warn("health: store unreachable", zap.Error(dbErr))
	}
	checks["database"] = dbErr == nil

	resp := healthResponse{Status: "healthy", Checks: checks}
	for _, ok := range checks {
		if !ok {
			resp.Status = "warning"
			break
		}
	}

	status := http.StatusOK
	if dbErr != nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp, h.logger)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrTenantNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
