package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// APIKey represents an API access key.
// The raw key is never stored; only its hash and a short prefix for identification.
type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	KeyHash   string `json:"keyHash"`
	KeyPrefix string `json:"keyPrefix"`
	CreatedAt int64  `json:"createdAt"`
	Active    bool   `json:"active"`
	// Quota is the maximum number of admitted requests per rate-limit window.
	// Zero means the server default applies.
	Quota     int    `json:"quota"`
	RevokedAt *int64 `json:"revokedAt,omitempty"`
}

// HashKey returns the hex SHA-256 of a raw API key
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyID derives the stable identifier used for rate limiting and usage records
func KeyID(hash string) string {
	if len(hash) < 16 {
		return hash
	}
	return hash[:16]
}

// KeyPrefix returns the visible prefix of a raw key
func KeyPrefix(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[:8]
}

// NewAPIKey builds an active key record for a raw key
func NewAPIKey(raw, name string, quota int) *APIKey {
	hash := HashKey(raw)
	return &APIKey{
		ID:        KeyID(hash),
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: KeyPrefix(raw),
		CreatedAt: time.Now().Unix(),
		Active:    true,
		Quota:     quota,
	}
}

// Revoke deactivates the key
func (k *APIKey) Revoke() {
	now := time.Now().Unix()
	k.Active = false
	k.RevokedAt = &now
}

// QuotaOr returns the key's quota, or def when the key has none
func (k *APIKey) QuotaOr(def int) int {
	if k.Quota > 0 {
		return k.Quota
	}
	return def
}
