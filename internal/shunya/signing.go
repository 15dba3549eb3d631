// Package shunya is the client for the external Shunya analysis service:
// request signing, a retrying signed HTTP transport, and typed gateway
// operations over its async API.
package shunya

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewToken builds a short-lived signed bearer token embedding the tenant id.
// Format: base64url("{tenant}.{expiry-unix}") + "." + hex(hmac).
func NewToken(secret string, tenantID uuid.UUID, ttl time.Duration, now time.Time) string {
	claims := fmt.Sprintf("%s.%d", tenantID, now.Add(ttl).Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(claims))
	return base64.RawURLEncoding.EncodeToString([]byte(claims)) + "." + hex.EncodeToString(mac.Sum(nil))
}

// ParseToken verifies a token's signature and expiry and returns the embedded
// tenant id. Used in tests and by services that verify our own tokens.
func ParseToken(secret, token string, now time.Time) (uuid.UUID, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return uuid.Nil, fmt.Errorf("malformed token")
	}
	claims, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed token claims")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(claims)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return uuid.Nil, fmt.Errorf("invalid token signature")
	}

	fields := strings.SplitN(string(claims), ".", 2)
	if len(fields) != 2 {
		return uuid.Nil, fmt.Errorf("malformed token claims")
	}
	tenantID, err := uuid.Parse(fields[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed tenant claim")
	}
	expiry, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed expiry claim")
	}
	if now.Unix() > expiry {
		return uuid.Nil, fmt.Errorf("token expired")
	}
	return tenantID, nil
}

// SignPayload computes the hex HMAC-SHA256 of a request body, attached as
// X-Signature for services that verify request authenticity.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignature computes the expected signature for an inbound webhook:
// HMAC-SHA256 over "{timestamp}.{raw_body_bytes}", lowercase hex.
func WebhookSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature recomputes the webhook signature and compares it in
// constant time.
func VerifyWebhookSignature(secret, timestamp string, body []byte, provided string) bool {
	expected := WebhookSignature(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// IdempotencyKey derives a stable key from the tenant, job type, and logical
// resource id, so network-level retries of the same logical request are
// deduplicated by the remote side too.
func IdempotencyKey(tenantID uuid.UUID, jobType string, resourceID uuid.UUID) string {
	sum := sha256.Sum256([]byte(tenantID.String() + ":" + jobType + ":" + resourceID.String()))
	return hex.EncodeToString(sum[:])
}
