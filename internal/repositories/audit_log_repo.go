package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autographhq/gatekeeper/internal/database"
	"github.com/autographhq/gatekeeper/internal/models"
)

// AuditLogRepository handles audit log data access. The table is append-only:
// the only delete path is retention cleanup, and there is no update path.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditLogColumns = `a.id, a.user_id, u.email, a.action, a.resource_type, a.resource_id,
	       a.ip_address, a.user_agent, a.extra_data, a.created_at`

// scanAuditLogRow handles nullable fields and populates an AuditLog model from a database row
func scanAuditLogRow(row rowScanner) (*models.AuditLog, error) {
	var log models.AuditLog

	err := row.Scan(
		&log.ID, &log.UserID, &log.UserEmail, &log.Action,
		&log.ResourceType, &log.ResourceID, &log.IPAddress,
		&log.UserAgent, &log.ExtraData, &log.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &log, nil
}

// scanAuditLogRows iterates through rows and scans each into AuditLog models
func scanAuditLogRows(rows pgx.Rows) ([]*models.AuditLog, error) {
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)

	for rows.Next() {
		log, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

// Create appends a new audit log entry
func (r *AuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	query := `
		INSERT INTO audit_logs (user_id, action, resource_type, resource_id, ip_address, user_agent, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(
		ctx, query,
		log.UserID, log.Action, log.ResourceType, log.ResourceID,
		log.IPAddress, log.UserAgent, log.ExtraData,
	).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", database.MapPostgresError(err))
	}

	return log, nil
}

// buildFilterClause translates an AuditLogFilter into a WHERE clause and args.
// The users join is a LEFT JOIN on purpose: audit rows outlive user deletion.
func buildFilterClause(filter models.AuditLogFilter) (string, []interface{}) {
	conditions := make([]string, 0, 5)
	args := make([]interface{}, 0, 5)

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conditions = append(conditions, fmt.Sprintf("a.user_id = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		conditions = append(conditions, fmt.Sprintf("a.action = $%d", len(args)))
	}
	if filter.IPAddress != "" {
		args = append(args, filter.IPAddress)
		conditions = append(conditions, fmt.Sprintf("a.ip_address = $%d", len(args)))
	}
	if filter.StartDate != nil {
		args = append(args, *filter.StartDate)
		conditions = append(conditions, fmt.Sprintf("a.created_at >= $%d", len(args)))
	}
	if filter.EndDate != nil {
		args = append(args, *filter.EndDate)
		conditions = append(conditions, fmt.Sprintf("a.created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// Query retrieves a page of audit logs matching the filter, newest first
func (r *AuditLogRepository) Query(ctx context.Context, filter models.AuditLogFilter, limit, offset int) ([]*models.AuditLog, error) {
	where, args := buildFilterClause(filter)

	args = append(args, limit)
	limitPos := len(args)
	args = append(args, offset)
	offsetPos := len(args)

	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_logs a
		LEFT JOIN users u ON u.id = a.user_id
		%s
		ORDER BY a.created_at DESC
		LIMIT $%d OFFSET $%d
	`, auditLogColumns, where, limitPos, offsetPos)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	return scanAuditLogRows(rows)
}

// QueryAll retrieves every audit log matching the filter, newest first.
// Used by exports, which are not paginated.
func (r *AuditLogRepository) QueryAll(ctx context.Context, filter models.AuditLogFilter) ([]*models.AuditLog, error) {
	where, args := buildFilterClause(filter)

	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_logs a
		LEFT JOIN users u ON u.id = a.user_id
		%s
		ORDER BY a.created_at DESC
	`, auditLogColumns, where)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	return scanAuditLogRows(rows)
}

// Count returns the total number of audit logs matching the filter
func (r *AuditLogRepository) Count(ctx context.Context, filter models.AuditLogFilter) (int64, error) {
	where, args := buildFilterClause(filter)

	query := fmt.Sprintf(`SELECT COUNT(*) FROM audit_logs a %s`, where)

	var count int64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	return count, nil
}

// Cleanup removes audit logs older than the specified number of days
func (r *AuditLogRepository) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	query := `
		DELETE FROM audit_logs
		WHERE created_at < CURRENT_TIMESTAMP - INTERVAL '1 day' * $1
	`

	result, err := r.pool.Exec(ctx, query, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return result.RowsAffected(), nil
}
