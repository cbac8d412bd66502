package wallet

import "time"

// RetryPolicy describes the key-retrieval retry ladder as data: a fixed
// attempt budget, a per-attempt timeout race, linear backoff, and
// per-failure-kind minimum delays. The extension is observed to return
// transient empty or null keys right after an access grant; the
// kind-specific minimums absorb that warm-up, nothing more.
type RetryPolicy struct {
	// MaxAttempts caps the number of GetPublicKey calls.
	MaxAttempts int
	// AttemptTimeout bounds the wait per attempt. The underlying call is
	// not cancelled; a late resolution is simply ignored. Zero disables
	// the race.
	AttemptTimeout time.Duration
	// BaseDelay scales linearly with the attempt number.
	BaseDelay time.Duration
	// MinDelayByKind raises the delay floor for specific failure kinds.
	MinDelayByKind map[Kind]time.Duration
	// ReauthorizeOnEmpty re-probes the access grant after an empty key
	// and re-requests access if it was revoked mid-handshake.
	ReauthorizeOnEmpty bool
	// ReauthorizeWait is the settle time after such a re-request.
	ReauthorizeWait time.Duration
}

// ConnectPolicy is the full-handshake ladder: 5 attempts, 5s timeout
// race, attempt×1s backoff, extended floors for empty (2s) and null
// (1.5s) results.
func ConnectPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		AttemptTimeout: 5 * time.Second,
		BaseDelay:      time.Second,
		MinDelayByKind: map[Kind]time.Duration{
			KindEmptyKey: 2 * time.Second,
			KindNullKey:  1500 * time.Millisecond,
		},
		ReauthorizeOnEmpty: true,
		ReauthorizeWait:    2 * time.Second,
	}
}

// ResumePolicy is the lighter ladder used when probing an existing
// session: 2 attempts with a flat 500ms pause.
func ResumePolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
	}
}

// Delay returns how long to wait before the next attempt.
func (p RetryPolicy) Delay(attempt int, kind Kind) time.Duration {
	d := time.Duration(attempt) * p.BaseDelay
	if floor, ok := p.MinDelayByKind[kind]; ok && d < floor {
		d = floor
	}
	return d
}
