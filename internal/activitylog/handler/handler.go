// Package handler exposes the admin read API over the activity log: filtered
// listing, filter-option vocabularies, and dashboard stats.
package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	dErrors "enroll/pkg/domain-errors"
	"enroll/pkg/platform/audit"
	"enroll/pkg/platform/httputil"
	adminmw "enroll/pkg/platform/middleware/admin"
	"enroll/pkg/platform/middleware/metadata"
)

// Handler serves the admin activity-log endpoints.
type Handler struct {
	store audit.Store
	log   *slog.Logger
}

// New creates a Handler reading from store.
func New(store audit.Store, log *slog.Logger) *Handler {
	return &Handler{store: store, log: log}
}

// Register mounts the admin routes. Identity comes from trusted upstream
// headers; requests without one are rejected.
func (h *Handler) Register(r chi.Router) {
	admin := chi.NewRouter()
	admin.Use(adminmw.WithActor)
	admin.Use(adminmw.RequireActor)
	admin.With(metadata.RouteName("activitylog.list")).
		Get("/activity-logs", h.handleList)
	admin.With(metadata.RouteName("activitylog.options")).
		Get("/activity-logs/options", h.handleOptions)
	admin.With(metadata.RouteName("activitylog.stats")).
		Get("/activity-logs/stats", h.handleStats)

	r.Mount("/admin", admin)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, page, err := parseQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.store.Query(ctx, filter, page)
	if err != nil {
		h.log.ErrorContext(ctx, "query activity logs", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "query activity logs"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, listResponse{
		Rows:       toEntries(result.Rows),
		Total:      result.Total,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalPages: result.TotalPages,
	})
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opts, err := h.store.FilterOptions(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "load activity log filter options", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "load filter options"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, opts)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "load activity log stats", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "load stats"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func parseQuery(r *http.Request) (audit.Filter, audit.Page, error) {
	q := r.URL.Query()

	filter := audit.Filter{
		Search:      q.Get("search"),
		Actor:       q.Get("actor"),
		Category:    q.Get("category"),
		Action:      q.Get("action"),
		Status:      q.Get("status"),
		SubjectType: q.Get("subject_type"),
	}

	if v := q.Get("date_from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return audit.Filter{}, audit.Page{}, dErrors.New(dErrors.CodeValidation, "date_from must be YYYY-MM-DD")
		}
		filter.DateFrom = &t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return audit.Filter{}, audit.Page{}, dErrors.New(dErrors.CodeValidation, "date_to must be YYYY-MM-DD")
		}
		filter.DateTo = &t
	}

	page := audit.Page{
		Number: intParam(q.Get("page")),
		Size:   intParam(q.Get("page_size")),
	}
	return filter, page, nil
}

func intParam(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

type listResponse struct {
	Rows       []entryResponse `json:"rows"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
}

type entryResponse struct {
	ID           int64       `json:"id"`
	ActorUserID  string      `json:"actor_user_id,omitempty"`
	ActorName    string      `json:"actor_name,omitempty"`
	ActorEmail   string      `json:"actor_email,omitempty"`
	Category     string      `json:"category"`
	Action       string      `json:"action"`
	Status       string      `json:"status"`
	SubjectType  string      `json:"subject_type,omitempty"`
	SubjectID    string      `json:"subject_id,omitempty"`
	SubjectLabel string      `json:"subject_label,omitempty"`
	Message      string      `json:"message,omitempty"`
	RouteName    string      `json:"route_name,omitempty"`
	HTTPMethod   string      `json:"http_method,omitempty"`
	IPAddress    string      `json:"ip_address,omitempty"`
	UserAgent    string      `json:"user_agent,omitempty"`
	RequestID    string      `json:"request_id,omitempty"`
	Before       audit.Value `json:"before,omitempty"`
	After        audit.Value `json:"after,omitempty"`
	Meta         audit.Value `json:"meta,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

func toEntries(rows []audit.Entry) []entryResponse {
	out := make([]entryResponse, len(rows))
	for i, e := range rows {
		out[i] = entryResponse{
			ID:           e.ID,
			ActorUserID:  e.ActorUserID,
			ActorName:    e.ActorName,
			ActorEmail:   e.ActorEmail,
			Category:     e.Category,
			Action:       e.Action,
			Status:       string(e.Status),
			SubjectType:  e.SubjectType,
			SubjectID:    e.SubjectID,
			SubjectLabel: e.SubjectLabel,
			Message:      e.Message,
			RouteName:    e.RouteName,
			HTTPMethod:   e.HTTPMethod,
			IPAddress:    e.IPAddress,
			UserAgent:    e.UserAgent,
			RequestID:    e.RequestID,
			Before:       e.Before,
			After:        e.After,
			Meta:         e.Meta,
			CreatedAt:    e.CreatedAt,
		}
	}
	return out
}
