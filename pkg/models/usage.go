package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKeyUsage is a single append-only audit record, one per authenticated call.
type APIKeyUsage struct {
	ID             uuid.UUID `db:"id"               json:"id"`
	APIKeyID       uuid.UUID `db:"api_key_id"       json:"api_key_id"`
	Endpoint       string    `db:"endpoint"         json:"endpoint"`
	Method         string    `db:"method"           json:"method"`
	StatusCode     int       `db:"status_code"      json:"status_code"`
	ResponseTimeMS int       `db:"response_time_ms" json:"response_time_ms"`
	IP             string    `db:"ip"               json:"ip"`
	UserAgent      string    `db:"user_agent"       json:"user_agent"`
	CreatedAt      time.Time `db:"created_at"       json:"created_at"`
}

// UsageStats aggregates usage rows over a trailing window for anomaly scoring.
type UsageStats struct {
	Total           int
	Errors          int
	UniqueEndpoints int
	IPs             []string
}
