package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// API key status values. Status is monotonic: active -> revoked.
const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
)

// Permission names recognized on API keys.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

// APIKey is a bearer credential issued after challenge verification.
// The raw key is shown once at creation; only the SHA-256 lookup hash and
// an AES-GCM encrypted copy (for masked re-display) are stored. The two are
// not derivable from each other without the encryption key.
type APIKey struct {
	ID              uuid.UUID   `db:"id"               json:"id"`
	AccountID       string      `db:"account_id"       json:"account_id"`
	Name            string      `db:"name"             json:"name"`
	KeyHash         string      `db:"key_hash"         json:"-"`
	EncryptedSecret string      `db:"encrypted_secret" json:"-"`
	Permissions     []string    `db:"permissions"      json:"permissions"`
	Status          string      `db:"status"           json:"status"`
	RateLimit       int         `db:"rate_limit"       json:"rate_limit"`
	Metadata        KeyMetadata `db:"metadata"         json:"metadata"`
	ExpiresAt       *time.Time  `db:"expires_at"       json:"expires_at,omitempty"`
	LastUsedAt      *time.Time  `db:"last_used_at"     json:"last_used_at,omitempty"`
	CreatedAt       time.Time   `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at"       json:"updated_at"`
}

// Active reports whether the key is usable at the given instant.
func (k *APIKey) Active(now time.Time) bool {
	if k.Status != KeyStatusActive {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// HasPermission reports whether the key carries the named permission.
// Admin implies everything.
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm || p == PermissionAdmin {
			return true
		}
	}
	return false
}

// KeyMetadata carries rotation lineage and suspension state as tagged
// structures. Unknown JSON fields are preserved on read so older rows and
// newer writers can coexist.
type KeyMetadata struct {
	RotatedFrom *RotationLink  `json:"rotated_from,omitempty"`
	RotatedTo   *RotationLink  `json:"rotated_to,omitempty"`
	Suspended   *SuspendedInfo `json:"suspended,omitempty"`

	extra map[string]json.RawMessage
}

// RotationLink points at the other end of a key rotation.
type RotationLink struct {
	KeyID uuid.UUID `json:"key_id"`
	At    time.Time `json:"at"`
}

// SuspendedInfo records why and when the anomaly detector suspended a key.
type SuspendedInfo struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

func (m KeyMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.extra)+3)
	for k, v := range m.extra {
		out[k] = v
	}
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}
	if m.RotatedFrom != nil {
		if err := put("rotated_from", m.RotatedFrom); err != nil {
			return nil, err
		}
	}
	if m.RotatedTo != nil {
		if err := put("rotated_to", m.RotatedTo); err != nil {
			return nil, err
		}
	}
	if m.Suspended != nil {
		if err := put("suspended", m.Suspended); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (m *KeyMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = KeyMetadata{}
	for k, v := range raw {
		switch k {
		case "rotated_from":
			m.RotatedFrom = &RotationLink{}
			if err := json.Unmarshal(v, m.RotatedFrom); err != nil {
				return err
			}
		case "rotated_to":
			m.RotatedTo = &RotationLink{}
			if err := json.Unmarshal(v, m.RotatedTo); err != nil {
				return err
			}
		case "suspended":
			m.Suspended = &SuspendedInfo{}
			if err := json.Unmarshal(v, m.Suspended); err != nil {
				return err
			}
		default:
			if m.extra == nil {
				m.extra = make(map[string]json.RawMessage)
			}
			m.extra[k] = v
		}
	}
	return nil
}
