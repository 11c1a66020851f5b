package audit

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/autographhq/gatekeeper/internal/models"
	pkghttp "github.com/autographhq/gatekeeper/pkg/http"
	pkglogger "github.com/autographhq/gatekeeper/pkg/logger"
)

// Repository is the persistence surface the audit service needs.
type Repository interface {
	Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
	Query(ctx context.Context, filter models.AuditLogFilter, limit, offset int) ([]*models.AuditLog, error)
	QueryAll(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error)
	Count(ctx context.Context, filter models.AuditLogFilter) (int64, error)
}

// Service records and retrieves the append-only audit trail.
type Service struct {
	repo     Repository
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
	security *pkglogger.SecurityLogger
}

func NewService(repo Repository, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		ipConfig: ipConfig,
		logger:   logger,
		security: pkglogger.NewSecurityLogger(logger),
	}
}

// Entry describes one auditable event before persistence. IPAddress and
// UserAgent override request-derived values when set, so callers without an
// *http.Request can still attribute events.
type Entry struct {
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	IPAddress    string
	UserAgent    string
	ExtraData    models.AuditExtraData
}

// Record appends an audit entry, taking IP and user agent from the request.
// Audit failures are logged but never propagated: a lost audit row must not
// fail the request that produced it.
func (s *Service) Record(ctx context.Context, r *http.Request, entry Entry) {
	log := &models.AuditLog{
		UserID:    entry.UserID,
		Action:    entry.Action,
		ExtraData: entry.ExtraData,
	}
	if entry.ResourceType != "" {
		log.ResourceType = &entry.ResourceType
	}
	if entry.ResourceID != "" {
		log.ResourceID = &entry.ResourceID
	}
	ip := entry.IPAddress
	ua := entry.UserAgent
	if r != nil {
		if ip == "" {
			ip = pkghttp.ExtractClientIP(r, s.ipConfig)
		}
		if ua == "" {
			ua = r.UserAgent()
		}
	}
	if ip != "" {
		log.IPAddress = &ip
	}
	if ua != "" {
		log.UserAgent = &ua
	}

	if _, err := s.repo.Create(ctx, log); err != nil {
		s.logger.Error("failed to record audit log",
			slog.String("action", entry.Action),
			slog.Any("error", err),
		)
	}

	// Mirror to the structured log so operators can alert on auth activity
	// without querying Postgres.
	event := pkglogger.SecurityEvent{
		Action:    entry.Action,
		IPAddress: ip,
		UserAgent: ua,
		Success:   entry.Action != models.AuditActionLoginFailed,
	}
	if entry.UserID != nil {
		event.UserID = entry.UserID.String()
	}
	if reason, ok := entry.ExtraData["reason"].(string); ok {
		event.FailureReason = reason
	}
	s.security.LogEvent(event)
}

// UserRef parses a user id for audit attribution. Returns nil for empty or
// malformed ids so a bad id degrades to an anonymous row instead of an error.
func UserRef(userID string) *uuid.UUID {
	if userID == "" {
		return nil
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil
	}
	return &id
}

// QueryResult is one page of audit logs plus the unpaginated total.
type QueryResult struct {
	Logs  []*models.AuditLog
	Total int64
}

// Query returns a filtered page of audit logs, newest first.
func (s *Service) Query(ctx context.Context, filter models.AuditLogFilter, limit, offset int) (*QueryResult, error) {
	logs, err := s.repo.Query(ctx, filter, limit, offset)
	if err != nil {
		return nil, err
	}

	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	return &QueryResult{Logs: logs, Total: total}, nil
}
