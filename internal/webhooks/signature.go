// Package webhooks delivers payment-intent events to merchant endpoints.
//
// Delivery is at-least-once: a receiver may see the same event id more than
// once (for example when a send succeeds but recording it fails) and must
// handle events idempotently, keyed by the event id.
//
// Every request carries X-Webhook-Signature, the lowercase hex HMAC-SHA256 of
// the exact body bytes keyed by the subscription secret. Receivers must
// recompute it over the raw body and compare in constant time (see Verify).
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"payverify/internal/model"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
)

// Sign returns lowercase hex of HMAC-SHA256 over body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignEvent encodes the event canonically and signs the encoding. The returned
// body is what must be sent; the signature covers exactly those bytes.
func SignEvent(e model.Event, secret string) (body []byte, signature string, err error) {
	body, err = e.Encode()
	if err != nil {
		return nil, "", err
	}
	return body, Sign(body, secret), nil
}

// Verify checks an HMAC-SHA256 signature over the raw body using the shared secret.
func Verify(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, b)
}
