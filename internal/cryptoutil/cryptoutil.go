// Package cryptoutil provides the signing and secret-encryption primitives
// for the telemetry integrity pipeline: HMAC-SHA256 report signatures,
// AES-256-GCM envelopes for deployment telemetry secrets, and multi-encoding
// key parsing for the process-wide encryption key.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// KeyLen is the required byte length of the process-wide encryption key.
const KeyLen = 32

// TelemetrySecretLen is the length of per-deployment telemetry signing secrets.
const TelemetrySecretLen = 32

// signaturePrefix versions the telemetry signature header format.
const signaturePrefix = "v1="

// envelopeAlg is the only algorithm tag Decrypt accepts.
const envelopeAlg = "aes-256-gcm"

// gcmTagSize is the GCM authentication tag length appended by Seal.
const gcmTagSize = 16

// NewTelemetrySecret generates a fresh random per-deployment signing secret.
func NewTelemetrySecret() ([]byte, error) {
	secret := make([]byte, TelemetrySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate telemetry secret: %w", err)
	}
	return secret, nil
}

// Sign computes the v1 signature header value for a raw report body:
// "v1=" followed by the hex HMAC-SHA256 of the exact bytes.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a v1 signature header against the raw body bytes
// in constant time. The body must be the exact bytes received on the wire,
// never a reparsed or reserialized form.
func VerifySignature(secret, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return subtle.ConstantTimeCompare(provided, mac.Sum(nil)) == 1
}

// Envelope is the at-rest form of an encrypted telemetry secret. Each field
// is independently base64url-encoded so the envelope survives any transport
// that mangles raw bytes.
type Envelope struct {
	Alg   string `json:"alg"`
	Nonce string `json:"nonce"`
	CT    string `json:"ct"`
	Tag   string `json:"tag"`
}

// Encrypt seals plaintext under the process-wide key with AES-256-GCM and
// returns the serialized envelope.
func Encrypt(key, plaintext []byte) (string, error) {
	if len(key) != KeyLen {
		return "", fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptoutil: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	env := Envelope{
		Alg:   envelopeAlg,
		Nonce: base64.RawURLEncoding.EncodeToString(nonce),
		CT:    base64.RawURLEncoding.EncodeToString(ct),
		Tag:   base64.RawURLEncoding.EncodeToString(tag),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: marshal envelope: %w", err)
	}
	return string(out), nil
}

// Decrypt opens a serialized envelope. It rejects unknown algorithm tags,
// malformed encodings, and any ciphertext or tag tampering.
func Decrypt(key []byte, envelope string) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeyLen, len(key))
	}
	var env Envelope
	if err := json.Unmarshal([]byte(envelope), &env); err != nil {
		return nil, fmt.Errorf("cryptoutil: parse envelope: %w", err)
	}
	if env.Alg != envelopeAlg {
		return nil, fmt.Errorf("cryptoutil: unsupported envelope algorithm %q", env.Alg)
	}

	nonce, err := base64.RawURLEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode nonce: %w", err)
	}
	ct, err := base64.RawURLEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode ciphertext: %w", err)
	}
	tag, err := base64.RawURLEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode tag: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: create gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("cryptoutil: nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: open envelope: %w", err)
	}
	return plaintext, nil
}

// ParseKey decodes a 32-byte key from its string form. Explicit prefixes
// ("hex:", "base64:", "base64url:") force an encoding; without a prefix the
// encoding is detected heuristically (hex first, then base64 variants).
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("cryptoutil: empty key")
	}

	switch {
	case strings.HasPrefix(s, "hex:"):
		return parseKeyWith(s[len("hex:"):], decodeHex)
	case strings.HasPrefix(s, "base64url:"):
		return parseKeyWith(s[len("base64url:"):], decodeBase64URL)
	case strings.HasPrefix(s, "base64:"):
		return parseKeyWith(s[len("base64:"):], decodeBase64Std)
	}

	// No prefix: try each encoding, accepting the first that yields 32 bytes.
	for _, decode := range []func(string) ([]byte, error){decodeHex, decodeBase64Std, decodeBase64URL} {
		if key, err := decode(s); err == nil && len(key) == KeyLen {
			return key, nil
		}
	}
	return nil, fmt.Errorf("cryptoutil: key is not a %d-byte hex, base64, or base64url value", KeyLen)
}

func parseKeyWith(s string, decode func(string) ([]byte, error)) ([]byte, error) {
	key, err := decode(s)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode key: %w", err)
	}
	if len(key) != KeyLen {
		return nil, fmt.Errorf("cryptoutil: key must decode to %d bytes, got %d", KeyLen, len(key))
	}
	return key, nil
}

func decodeHex(s string) ([]byte, error) { return hex.DecodeString(s) }

func decodeBase64Std(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func decodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
