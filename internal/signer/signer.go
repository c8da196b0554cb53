// Package signer implements the Gate.io API v4 request signature.
package signer

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names expected by Gate.io. They are written verbatim, not canonicalized.
const (
	HeaderKey       = "KEY"
	HeaderTimestamp = "Timestamp"
	HeaderSign      = "SIGN"
)

// Input is everything that goes into one signature.
type Input struct {
	Method      string
	Endpoint    string // raw path, no query string
	QueryString string // without the leading '?'
	Body        string
}

// Signature is the set of auth headers for one outbound request.
type Signature struct {
	Key       string
	Timestamp string
	Sign      string
}

// Apply sets the auth headers on h, keeping their exact case.
func (s Signature) Apply(h http.Header) {
	h[HeaderKey] = []string{s.Key}
	h[HeaderTimestamp] = []string{s.Timestamp}
	h[HeaderSign] = []string{s.Sign}
}

// Signer computes signatures with a replaceable clock.
type Signer struct {
	now func() time.Time
}

// New returns a Signer using the wall clock.
func New() *Signer {
	return &Signer{now: time.Now}
}

// NewWithClock returns a Signer whose timestamps come from now.
func NewWithClock(now func() time.Time) *Signer {
	return &Signer{now: now}
}

// Sign produces the auth headers for in using the given credentials.
func (s *Signer) Sign(in Input, apiKey, apiSecret string) Signature {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	return Signature{
		Key:       apiKey,
		Timestamp: ts,
		Sign:      Compute(in, apiSecret, ts),
	}
}

// HashPayload returns the hex SHA-512 digest of body.
func HashPayload(body string) string {
	sum := sha512.Sum512([]byte(body))
	return hex.EncodeToString(sum[:])
}

// CanonicalString joins the signed fields in the order Gate.io verifies them:
// METHOD, ENDPOINT, QUERY, HASHED_BODY, TIMESTAMP.
func CanonicalString(in Input, timestamp string) string {
	return strings.Join([]string{
		strings.ToUpper(in.Method),
		in.Endpoint,
		in.QueryString,
		HashPayload(in.Body),
		timestamp,
	}, "\n")
}

// Compute returns the hex HMAC-SHA512 of the canonical string keyed by secret.
func Compute(in Input, secret, timestamp string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(CanonicalString(in, timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}
