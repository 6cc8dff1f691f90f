// Package handler exposes the provisioning orchestrator over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"provisioner/internal/provisioning/models"
	"provisioner/internal/provisioning/service"
	dErrors "provisioner/pkg/domainerrors"
	"provisioner/pkg/platform/httputil"
	"provisioner/pkg/requestcontext"
)

// Service defines the orchestrator operations served over HTTP.
type Service interface {
	Provision(ctx context.Context, orderID string) (*models.Result, error)
	VerifyOwnership(ctx context.Context, fqdn string) (*service.OwnershipReport, error)
	ListAudits(ctx context.Context, orderID string) ([]*models.AuditEntry, error)
}

// ReadinessCheck reports whether a dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// Handler wires provisioning endpoints to the orchestrator.
type Handler struct {
	service       Service
	logger        *slog.Logger
	missingConfig []string
	checks        map[string]ReadinessCheck
}

type Option func(*Handler)

// WithMissingConfig puts the handler in configuration-error mode: every
// provisioning request is refused with the list of absent keys.
func WithMissingConfig(keys []string) Option {
	return func(h *Handler) {
		h.missingConfig = append([]string(nil), keys...)
	}
}

func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(h *Handler) {
		h.checks[name] = check
	}
}

// New constructs a provisioning handler. svc may be nil only together with
// WithMissingConfig.
func New(svc Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		service: svc,
		logger:  logger,
		checks:  make(map[string]ReadinessCheck),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the provisioning endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/provision", h.HandleProvision)
	r.Get("/orders/{orderId}/audits", h.HandleListAudits)
	r.Get("/domains/{fqdn}/ownership", h.HandleVerifyOwnership)
}

// RegisterHealth mounts liveness and readiness probes. They are kept apart from
// Register so they stay outside service-token auth.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Get("/readyz", h.HandleReady)
}

// HandleProvision handles POST /provision requests.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	if len(h.missingConfig) > 0 {
		h.logger.ErrorContext(ctx, "provisioning refused: missing configuration",
			"request_id", requestID,
			"missing", h.missingConfig,
		)
		httputil.WriteJSON(w, http.StatusInternalServerError, MissingConfigResponse{
			Success: false,
			Error:   "missing configuration",
			Missing: h.missingConfig,
		})
		return
	}
	if h.service == nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, ProvisionFailure{
			ErrorKind: service.KindInternal,
			Errors:    []string{"provisioning service is not configured"},
		})
		return
	}

	req, err := httputil.DecodeJSON[ProvisionRequest](r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeBadRequest(w, err)
		return
	}

	result, err := h.service.Provision(ctx, req.OrderID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeBadRequest) {
			writeBadRequest(w, err)
			return
		}
		resp := failureFrom(err)
		h.logger.ErrorContext(ctx, "provisioning failed",
			"request_id", requestID,
			"order_id", req.OrderID,
			"domain", resp.Domain,
			"error_kind", resp.ErrorKind,
			"retryable", resp.Retryable,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		httputil.WriteJSON(w, http.StatusInternalServerError, resp)
		return
	}

	h.logger.InfoContext(ctx, "provisioning succeeded",
		"request_id", requestID,
		"order_id", req.OrderID,
		"domain", result.Domain,
		"already_provisioned", result.AlreadyProvisioned,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, successFrom(result))
}

// HandleListAudits handles GET /orders/{orderId}/audits requests.
func (h *Handler) HandleListAudits(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderId")

	entries, err := h.service.ListAudits(ctx, orderID)
	if err != nil {
		h.logger.ErrorContext(ctx, "listing audit entries failed",
			"request_id", requestcontext.RequestID(ctx),
			"order_id", orderID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, AuditListResponse{OrderID: orderID, Entries: entries})
}

// HandleVerifyOwnership handles GET /domains/{fqdn}/ownership requests.
func (h *Handler) HandleVerifyOwnership(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	ctx := r.Context()
	fqdn := chi.URLParam(r, "fqdn")

	report, err := h.service.VerifyOwnership(ctx, fqdn)
	if err != nil {
		h.logger.ErrorContext(ctx, "ownership verification failed",
			"request_id", requestcontext.RequestID(ctx),
			"domain", fqdn,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ownershipFrom(report))
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleReady handles GET /readyz. Incomplete configuration makes the process
// unready as well as a failing dependency.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	if len(h.missingConfig) > 0 {
		resp.Status = "unavailable"
		resp.Checks["config"] = "missing " + strings.Join(h.missingConfig, ", ")
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if len(h.missingConfig) > 0 || h.service == nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, MissingConfigResponse{
			Error:   "missing configuration",
			Missing: h.missingConfig,
		})
		return false
	}
	return true
}

func writeBadRequest(w http.ResponseWriter, err error) {
	msg := err.Error()
	var de *dErrors.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	httputil.WriteJSON(w, http.StatusBadRequest, BadRequestResponse{Errors: []string{msg}})
}
