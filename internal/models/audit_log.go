package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the gatekeeper. The table is append-only; rows are
// never updated or deleted outside of retention cleanup.
const (
	AuditActionLoginSuccess        = "login_success"
	AuditActionLoginFailed         = "login_failed"
	AuditActionLogout              = "logout"
	AuditActionRegistrationSuccess = "registration_success"
	AuditActionTokenRefresh        = "token_refresh"
	AuditActionEmailVerified       = "email_verified"
	AuditActionMFASetup            = "mfa_setup"
	AuditActionMFAEnabled          = "mfa_enabled"
	AuditActionMFABackupCodeUsed   = "mfa_backup_code_used"
)

// Resource types
const (
	AuditResourceTypeUser    = "user"
	AuditResourceTypeSession = "session"
)

type AuditLog struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	UserID       *uuid.UUID     `db:"user_id" json:"user_id"`
	UserEmail    *string        `db:"user_email" json:"user_email"` // joined from users at query time
	Action       string         `db:"action" json:"action"`
	ResourceType *string        `db:"resource_type" json:"resource_type"`
	ResourceID   *string        `db:"resource_id" json:"resource_id"`
	IPAddress    *string        `db:"ip_address" json:"ip_address"`
	UserAgent    *string        `db:"user_agent" json:"user_agent"`
	ExtraData    AuditExtraData `db:"extra_data" json:"extra_data"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// AuditExtraData holds additional context for audit events (e.g. failure reason)
type AuditExtraData map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (ed *AuditExtraData) Scan(value interface{}) error {
	if value == nil {
		*ed = make(AuditExtraData)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*ed = AuditExtraData(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (ed AuditExtraData) Value() (driver.Value, error) {
	if ed == nil {
		return nil, nil
	}
	return json.Marshal(ed)
}

// MarshalJSON implements json.Marshaler
func (ed AuditExtraData) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(ed))
}

// UnmarshalJSON implements json.Unmarshaler
func (ed *AuditExtraData) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*ed = AuditExtraData(m)
	return nil
}

// AuditLogFilter narrows audit queries and exports. Zero values mean "any".
type AuditLogFilter struct {
	UserID    *uuid.UUID
	Action    string
	IPAddress string
	StartDate *time.Time
	EndDate   *time.Time
}
