// Package handler exposes the guarded public registration routes. Every
// mutating route passes the rate limiter, the anti-abuse verifier where
// configured, and the idempotency coordinator before business logic runs.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"enroll/internal/guard"
	guardModels "enroll/internal/guard/models"
	"enroll/internal/platform/config"
	"enroll/internal/registration/models"
	"enroll/internal/registration/verifier"
	dErrors "enroll/pkg/domain-errors"
	"enroll/pkg/platform/audit"
	"enroll/pkg/platform/httputil"
	"enroll/pkg/platform/middleware/metadata"
	"enroll/pkg/requestcontext"
)

// Route names recorded in activity entries and used as rate-limit scopes.
const (
	RouteSubmit = "registration.submit"
	RouteUpload = "registration.upload_slip"
	RouteLookup = "registration.lookup"
)

// HeaderIdempotencyKey carries the caller-supplied idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderChallengeToken carries the anti-abuse challenge token.
const HeaderChallengeToken = "X-Challenge-Token"

const maxBodyBytes = 1 << 20

// Service defines the registration operations behind the routes.
type Service interface {
	Submit(ctx context.Context, req models.SubmitRequest) (models.Registration, error)
	AttachSlip(ctx context.Context, registrationID string, upload models.SlipUpload) (models.PaymentSlip, error)
	Lookup(ctx context.Context, id string) (models.Registration, []models.PaymentSlip, error)
}

// Handler handles the public registration endpoints.
type Handler struct {
	svc      Service
	guard    *guard.Guard
	verifier verifier.Verifier
	cfg      config.GuardConfig
	log      *slog.Logger
	auditor  *audit.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuditor records rejected payloads to the activity log.
func WithAuditor(a *audit.Logger) Option {
	return func(h *Handler) { h.auditor = a }
}

// New creates a Handler.
func New(svc Service, g *guard.Guard, v verifier.Verifier, cfg config.GuardConfig, log *slog.Logger, opts ...Option) *Handler {
	h := &Handler{svc: svc, guard: g, verifier: v, cfg: cfg, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the public routes.
func (h *Handler) Register(r chi.Router) {
	r.With(metadata.RouteName(RouteSubmit)).
		Post("/api/registrations", h.handleSubmit)
	r.With(metadata.RouteName(RouteUpload)).
		Post("/api/registrations/{id}/payment-slip", h.handleUploadSlip)
	r.With(metadata.RouteName(RouteLookup)).
		Get("/api/registrations/{id}", h.handleLookup)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Malformed payloads are rejected before the rate limiter and the
	// idempotency coordinator ever see the request.
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req models.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.rejectInvalid(w, r, RouteSubmit, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		h.rejectInvalid(w, r, RouteSubmit, err)
		return
	}

	if !h.admit(w, r, RouteSubmit, guard.RouteLimit{Limit: h.cfg.SubmitLimit, Window: h.cfg.SubmitWindow}) {
		return
	}

	if err := h.verifier.Verify(ctx, r.Header.Get(HeaderChallengeToken), requestcontext.ClientIP(ctx)); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.runIdempotent(w, r, RouteSubmit, body, func(ctx context.Context) (int, any, error) {
		reg, err := h.svc.Submit(ctx, req)
		return http.StatusCreated, reg, err
	})
}

func (h *Handler) handleUploadSlip(w http.ResponseWriter, r *http.Request) {
	registrationID := chi.URLParam(r, "id")

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var upload models.SlipUpload
	if err := json.Unmarshal(body, &upload); err != nil {
		h.rejectInvalid(w, r, RouteUpload, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := upload.Validate(); err != nil {
		h.rejectInvalid(w, r, RouteUpload, err)
		return
	}

	if !h.admit(w, r, RouteUpload, guard.RouteLimit{Limit: h.cfg.UploadLimit, Window: h.cfg.UploadWindow}) {
		return
	}

	// The registration ID participates in auto-key derivation so identical
	// slips for different registrations never collide.
	payload := append([]byte(registrationID+"\x00"), body...)
	h.runIdempotent(w, r, RouteUpload, payload, func(ctx context.Context) (int, any, error) {
		slip, err := h.svc.AttachSlip(ctx, registrationID, upload)
		return http.StatusCreated, slip, err
	})
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.admit(w, r, RouteLookup, guard.RouteLimit{Limit: h.cfg.LookupLimit, Window: h.cfg.LookupWindow}) {
		return
	}

	reg, slips, err := h.svc.Lookup(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"registration":  reg,
		"payment_slips": slips,
	})
}

// admit runs the rate check and writes the 429 (with Retry-After) itself.
// Returns false when the request must not continue.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, route string, rl guard.RouteLimit) bool {
	result, err := h.guard.Admit(r.Context(), route, rl)
	if err == nil {
		return true
	}
	if dErrors.HasCode(err, dErrors.CodeTooManyRequests) {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	} else {
		h.log.ErrorContext(r.Context(), "rate limit check failed", "route", route, "error", err)
	}
	httputil.WriteError(w, err)
	return false
}

// rejectInvalid writes the validation error and records the rejected payload.
func (h *Handler) rejectInvalid(w http.ResponseWriter, r *http.Request, route string, err error) {
	if h.auditor != nil {
		h.auditor.LogSafe(r.Context(), audit.Record{
			Category: audit.CategorySecurity,
			Action:   "validation_failed",
			Status:   audit.StatusFailure,
			Message:  err.Error(),
			Meta:     map[string]any{"route": route},
		})
	}
	httputil.WriteError(w, err)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
		return nil, false
	}
	return body, true
}

// runIdempotent claims the route's idempotency key, runs the operation for
// the winning request, and stores the response for replays. Duplicate
// requests get the stored response or a conflict, never a second side effect.
func (h *Handler) runIdempotent(w http.ResponseWriter, r *http.Request, route string, payload []byte, run func(ctx context.Context) (int, any, error)) {
	ctx := r.Context()

	begin, err := h.guard.Begin(ctx, route, r.Header.Get(HeaderIdempotencyKey), payload)
	if err != nil {
		h.log.ErrorContext(ctx, "idempotency claim failed", "route", route, "error", err)
		httputil.WriteError(w, err)
		return
	}

	switch begin.Outcome {
	case guardModels.OutcomeReplay:
		h.writeReplay(w, begin)
		return
	case guardModels.OutcomeInProgress:
		httputil.WriteError(w, dErrors.New(dErrors.CodeConflict,
			"an identical request is still being processed, retry shortly"))
		return
	case guardModels.OutcomeConflict:
		httputil.WriteError(w, dErrors.New(dErrors.CodeConflict, begin.Reason))
		return
	}

	status, response, err := run(ctx)
	if err != nil {
		if finErr := h.guard.FinalizeFailure(ctx, begin.Key, httputil.StatusFor(dErrors.CodeOf(err)), err.Error()); finErr != nil {
			h.log.ErrorContext(ctx, "finalize idempotency failure", "route", route, "error", finErr)
		}
		httputil.WriteError(w, err)
		return
	}

	body, err := json.Marshal(response)
	if err != nil {
		h.log.ErrorContext(ctx, "marshal response", "route", route, "error", err)
		// Free the key now; leaving the claim in_progress would park retries
		// until the reclaim timeout.
		if finErr := h.guard.FinalizeFailure(ctx, begin.Key, http.StatusInternalServerError, "response encoding failed"); finErr != nil {
			h.log.ErrorContext(ctx, "finalize idempotency failure", "route", route, "error", finErr)
		}
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "response encoding failed"))
		return
	}
	if finErr := h.guard.FinalizeSuccess(ctx, begin.Key, status, body); finErr != nil {
		// The operation already happened; the client still gets its response
		// and only replay protection degrades.
		h.log.ErrorContext(ctx, "finalize idempotency success", "route", route, "error", finErr)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.log.ErrorContext(ctx, "write response", "route", route, "error", err)
	}
}

func (h *Handler) writeReplay(w http.ResponseWriter, begin guardModels.BeginResult) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replay", "true")
	status := begin.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(begin.ResponseBody)
}
