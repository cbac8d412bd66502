// Package hmacauth authenticates API requests and binds them to the
// caller's ledger address, which downstream authorization checks trust.
package hmacauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderCaller    = "X-Caller-Address"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrMissingCaller    = errors.New("missing caller address")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

type callerKey struct{}

// CallerFromContext returns the verified caller address, or "" when the
// request carried none.
func CallerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

// Verifier checks HMAC-SHA256 signatures over timestamp, caller address,
// and body. An empty Secret disables verification for local development;
// the caller header still flows through to handlers.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (v *Verifier) verify(r *http.Request) (string, error) {
	caller := strings.TrimSpace(r.Header.Get(HeaderCaller))

	if v.Secret == "" {
		return caller, nil
	}
	if caller == "" {
		return "", ErrMissingCaller
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return "", ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return "", ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return "", ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return "", err
	}

	expected := Sign(v.Secret, tsHeader, caller, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return "", ErrInvalidSignature
	}
	return caller, nil
}

// Sign computes the signature clients must send: HMAC-SHA256 over the
// timestamp, caller address, and raw body, newline separated.
func Sign(secret, timestamp, caller string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(caller))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	return body, nil
}
