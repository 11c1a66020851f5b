package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/autographhq/gatekeeper/internal/audit"
	"github.com/autographhq/gatekeeper/internal/models"
	pkghttp "github.com/autographhq/gatekeeper/pkg/http"
)

// AuditServiceInterface defines the audit query/export surface
type AuditServiceInterface interface {
	Query(ctx context.Context, filter models.AuditLogFilter, limit, offset int) (*audit.QueryResult, error)
	ExportCSV(ctx context.Context, w io.Writer, filter models.AuditLogFilter) error
	ExportJSON(ctx context.Context, w io.Writer, filter models.AuditLogFilter) error
}

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

// AuditHandler serves the admin audit-log endpoints. Role enforcement happens
// in the router via RequireRole("admin").
type AuditHandler struct {
	service AuditServiceInterface
}

func NewAuditHandler(service AuditServiceInterface) *AuditHandler {
	return &AuditHandler{service: service}
}

// AuditLogListResponse is the paginated query response
type AuditLogListResponse struct {
	AuditLogs []*models.AuditLog `json:"audit_logs"`
	Total     int64              `json:"total"`
}

// List returns a filtered page of audit logs, newest first
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	skip := parseIntParam(r, "skip", 0)
	if skip < 0 {
		skip = 0
	}
	limit := parseIntParam(r, "limit", defaultAuditPageSize)
	if limit < 1 {
		limit = defaultAuditPageSize
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}

	result, err := h.service.Query(r.Context(), filter, limit, skip)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to query audit logs")
		return
	}

	writeJSON(w, http.StatusOK, AuditLogListResponse{
		AuditLogs: result.Logs,
		Total:     result.Total,
	})
}

// ExportCSV streams all matching audit logs as a CSV attachment
func (h *AuditHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	setAttachment(w, "csv")
	if err := h.service.ExportCSV(r.Context(), w, filter); err != nil {
		// Headers are already on the wire; the truncated body is the best we
		// can signal.
		return
	}
}

// ExportJSON streams all matching audit logs inside the export envelope
func (h *AuditHandler) ExportJSON(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	setAttachment(w, "json")
	if err := h.service.ExportJSON(r.Context(), w, filter); err != nil {
		return
	}
}

func setAttachment(w http.ResponseWriter, ext string) {
	filename := audit.ExportFilename(ext, time.Now())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
}

func parseAuditFilter(r *http.Request) (models.AuditLogFilter, error) {
	query := r.URL.Query()
	filter := models.AuditLogFilter{
		Action:    query.Get("action"),
		IPAddress: query.Get("ip_address"),
	}

	if raw := query.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid user_id: must be a UUID")
		}
		filter.UserID = &id
	}
	if raw := query.Get("start_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid start_date: must be RFC3339")
		}
		filter.StartDate = &t
	}
	if raw := query.Get("end_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid end_date: must be RFC3339")
		}
		filter.EndDate = &t
	}

	return filter, nil
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
