// Package sigauth verifies HMAC-signed calls to privileged entry points.
package sigauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Header names carried by signed requests.
const (
	HeaderTimestamp = "X-Sweep-Timestamp"
	HeaderSignature = "X-Sweep-Signature"
)

// DefaultSkew bounds how far a timestamp may be from the verifier's clock.
const DefaultSkew = 5 * time.Minute

var (
	ErrMissing   = errors.New("missing signature headers")
	ErrStale     = errors.New("signature timestamp outside allowed skew")
	ErrSignature = errors.New("signature mismatch")
)

// Verifier checks signatures made with a shared secret.
type Verifier struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier. A non-positive skew selects DefaultSkew.
func NewVerifier(secret string, skew time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("signing secret is empty")
	}
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Verifier{secret: []byte(secret), skew: skew, now: time.Now}, nil
}

// Sign returns the hex signature for body at the given unix timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the timestamp and signature header values against body.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.TrimSpace(signature)
	if timestamp == "" || signature == "" {
		return ErrMissing
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStale
	}
	delta := v.now().Sub(time.Unix(ts, 0))
	if delta < -v.skew || delta > v.skew {
		return ErrStale
	}

	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return ErrSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignature
	}
	return nil
}

// Header looks up a header case-insensitively, as API Gateway may
// lower-case names.
func Header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
