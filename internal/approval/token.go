package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/basket/gatekeep/internal/shared"
)

// Claims is the token payload. Times are integer unix seconds.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Plan      string `json:"plan,omitempty"`
}

var tokenEncoding = base64.URLEncoding

// SignToken encodes claims as base64url(payload) "." base64url(hmac_sha256(secret, payload)).
func SignToken(secret []byte, c Claims) (string, error) {
	if len(secret) == 0 {
		return "", shared.ValidationError("approval.sign_token", "signing secret is empty")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return "", shared.ValidationError("approval.sign_token", "token subject is required")
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", shared.RuntimeError("approval.sign_token", err)
	}
	return tokenEncoding.EncodeToString(payload) + "." + tokenEncoding.EncodeToString(mac(secret, payload)), nil
}

// ParseToken checks the signature first and the expiry second.
func ParseToken(secret []byte, token string, now time.Time) (Claims, error) {
	const op = "approval.parse_token"
	encPayload, encSig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encPayload == "" || encSig == "" {
		return Claims{}, shared.PolicyError(op, "invalid token")
	}
	payload, err := tokenEncoding.DecodeString(encPayload)
	if err != nil {
		return Claims{}, shared.PolicyError(op, "invalid token")
	}
	sig, err := tokenEncoding.DecodeString(encSig)
	if err != nil || !hmac.Equal(sig, mac(secret, payload)) {
		return Claims{}, shared.PolicyError(op, "invalid token")
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, shared.PolicyError(op, "invalid token")
	}
	if c.ExpiresAt < now.Unix() {
		return Claims{}, shared.PolicyError(op, "token expired")
	}
	return c, nil
}

func mac(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}
