package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/autographhq/gatekeeper/internal/models"
)

var csvHeader = []string{
	"ID", "User ID", "User Email", "Action", "Resource Type",
	"Resource ID", "IP Address", "User Agent", "Extra Data", "Created At",
}

// ExportFilename builds the attachment filename for an export
func ExportFilename(ext string, now time.Time) string {
	return fmt.Sprintf("audit_logs_%s.%s", now.UTC().Format("20060102_150405"), ext)
}

// ExportCSV writes all audit logs matching the filter as CSV
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter models.AuditLogFilter) error {
	logs, err := s.repo.QueryAll(ctx, filter)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, log := range logs {
		if err := writer.Write(csvRow(log)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func csvRow(log *models.AuditLog) []string {
	extraData := ""
	if len(log.ExtraData) > 0 {
		if raw, err := json.Marshal(log.ExtraData); err == nil {
			extraData = string(raw)
		}
	}

	return []string{
		log.ID.String(),
		uuidOrEmpty(log.UserID),
		strOrEmpty(log.UserEmail),
		log.Action,
		strOrEmpty(log.ResourceType),
		strOrEmpty(log.ResourceID),
		strOrEmpty(log.IPAddress),
		strOrEmpty(log.UserAgent),
		extraData,
		log.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// jsonExport is the envelope written by ExportJSON
type jsonExport struct {
	ExportDate   time.Time          `json:"export_date"`
	TotalRecords int                `json:"total_records"`
	Filters      jsonExportFilters  `json:"filters"`
	AuditLogs    []*models.AuditLog `json:"audit_logs"`
}

type jsonExportFilters struct {
	UserID    *string `json:"user_id"`
	Action    *string `json:"action"`
	IPAddress *string `json:"ip_address"`
	StartDate *string `json:"start_date"`
	EndDate   *string `json:"end_date"`
}

// ExportJSON writes all audit logs matching the filter inside an envelope that
// records when the export ran and what it was filtered on.
func (s *Service) ExportJSON(ctx context.Context, w io.Writer, filter models.AuditLogFilter) error {
	logs, err := s.repo.QueryAll(ctx, filter)
	if err != nil {
		return err
	}

	export := jsonExport{
		ExportDate:   time.Now().UTC(),
		TotalRecords: len(logs),
		Filters:      exportFilters(filter),
		AuditLogs:    logs,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func exportFilters(filter models.AuditLogFilter) jsonExportFilters {
	filters := jsonExportFilters{}
	if filter.UserID != nil {
		id := filter.UserID.String()
		filters.UserID = &id
	}
	if filter.Action != "" {
		filters.Action = &filter.Action
	}
	if filter.IPAddress != "" {
		filters.IPAddress = &filter.IPAddress
	}
	if filter.StartDate != nil {
		date := filter.StartDate.UTC().Format(time.RFC3339)
		filters.StartDate = &date
	}
	if filter.EndDate != nil {
		date := filter.EndDate.UTC().Format(time.RFC3339)
		filters.EndDate = &date
	}
	return filters
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func uuidOrEmpty(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
