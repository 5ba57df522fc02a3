package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a tenant for the token exchange. Multiple keys can
// exist per tenant, enabling rotation and per-environment credentials.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	KeyHash   string     `json:"-"` // Never serialized.
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

const (
	keySecretLen    = 24
	keyFormatPrefix = "alk_"
)

// GenerateRawKey produces a new raw API key in the format alk_<48-hex-secret>.
// The raw key exists only at creation time; storage holds the argon2id hash.
func GenerateRawKey() (string, error) {
	secret := make([]byte, keySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("model: generate key secret: %w", err)
	}
	return keyFormatPrefix + hex.EncodeToString(secret), nil
}

// ValidRawKeyFormat reports whether s looks like an Arclight API key. Used to
// reject obviously malformed credentials before any hashing work.
func ValidRawKeyFormat(s string) bool {
	if !strings.HasPrefix(s, keyFormatPrefix) {
		return false
	}
	return len(s) == len(keyFormatPrefix)+keySecretLen*2
}
