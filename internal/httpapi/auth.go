package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const tokenAudience = "accountsync"

// Scopes a bearer token may carry. Each route requires exactly one.
const (
	scopeSyncTrigger = "sync:trigger"
	scopeSyncRead    = "sync:read"
	scopeUsersRead   = "users:read"
	scopeUsersWrite  = "users:write"
	scopeUsersAdmin  = "users:admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// operatorClaims is the payload of an operator token. Scopes may be a JSON
// array or a space-separated string.
type operatorClaims struct {
	Subject string          `json:"sub"`
	Aud     string          `json:"aud"`
	Exp     json.Number     `json:"exp"`
	Raw     json.RawMessage `json:"scopes"`

	scopes map[string]struct{}
}

func (c operatorClaims) has(scope string) bool {
	_, ok := c.scopes[scope]
	return ok
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (operatorClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return operatorClaims{}, unauthorized("missing or invalid bearer token")
	}
	payload, authErr := verifyHS256(strings.TrimSpace(raw), jwtSecret)
	if authErr != nil {
		return operatorClaims{}, authErr
	}
	claims, authErr := decodeClaims(payload, now)
	if authErr != nil {
		return operatorClaims{}, authErr
	}
	if requiredScope != "" && !claims.has(requiredScope) {
		return operatorClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// verifyHS256 checks a compact JWS signed with HMAC-SHA256 and returns its
// decoded payload.
func verifyHS256(token, secret string) ([]byte, *authError) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, unauthorized("invalid jwt format")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return nil, unauthorized("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, unauthorized("jwt signature mismatch")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, unauthorized("invalid jwt payload")
	}
	return payload, nil
}

func decodeSegment(segment string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func decodeClaims(payload []byte, now time.Time) (operatorClaims, *authError) {
	var claims operatorClaims
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return operatorClaims{}, unauthorized("invalid jwt payload")
	}
	if claims.Subject == "" {
		return operatorClaims{}, unauthorized("missing sub claim")
	}
	exp, err := claims.Exp.Int64()
	if err != nil {
		return operatorClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return operatorClaims{}, unauthorized("token expired")
	}
	if claims.Aud != tokenAudience {
		return operatorClaims{}, unauthorized("invalid aud claim")
	}
	claims.scopes = parseScopes(claims.Raw)
	if len(claims.scopes) == 0 {
		return operatorClaims{}, forbidden("no scopes granted")
	}
	return claims, nil
}

func parseScopes(raw json.RawMessage) map[string]struct{} {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if err := json.Unmarshal(raw, &joined); err != nil {
			return nil
		}
		list = strings.Fields(joined)
	}
	out := make(map[string]struct{}, len(list))
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}

// verifyWebhookHMAC checks hex(HMAC-SHA256(secret, timestamp + "\n" + body))
// and rejects timestamps outside maxSkew.
func verifyWebhookHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing webhook signature headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid webhook timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("webhook request outside replay window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	signature = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(signature)), "sha256=")
	if !hmac.Equal([]byte(signature), []byte(expectedHex)) {
		return unauthorized("webhook signature mismatch")
	}
	return nil
}
