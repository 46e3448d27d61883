package models

import (
	"time"

	"github.com/google/uuid"
)

// Anomaly event types.
const (
	AnomalySpike          = "spike"
	AnomalyNewLocation    = "new_location"
	AnomalyErrorRate      = "error_rate"
	AnomalyUnusualPattern = "unusual_pattern"
)

// Anomaly severities. Only high severity suspends a key.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// AnomalyEvent records a detected deviation in API key usage. Immutable
// once written.
type AnomalyEvent struct {
	ID        uuid.UUID      `db:"id"         json:"id"`
	Type      string         `db:"type"       json:"type"`
	APIKeyID  uuid.UUID      `db:"api_key_id" json:"api_key_id"`
	AccountID string         `db:"account_id" json:"account_id"`
	Severity  string         `db:"severity"   json:"severity"`
	Details   map[string]any `db:"details"    json:"details,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
