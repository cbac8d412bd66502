package wallet

import (
	"errors"
	"fmt"
)

// Kind classifies wallet failures so callers branch on a typed value
// instead of matching message text.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnreachable means the extension could not be reached at all.
	KindUnreachable
	// KindUserDeclined means the human rejected the access or signing prompt.
	KindUserDeclined
	// KindContextInvalidated means the extension context was torn down;
	// not retryable within the same page lifetime.
	KindContextInvalidated
	// KindNullKey means the extension reported no key at all.
	KindNullKey
	// KindEmptyKey means the extension returned an empty-string key.
	KindEmptyKey
	// KindTimeout means an attempt exceeded its per-attempt deadline.
	KindTimeout
	// KindInvalidKey means no structurally valid key was obtained.
	KindInvalidKey
	// KindWrongNetwork means the extension is on a different network.
	KindWrongNetwork
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindUserDeclined:
		return "user_declined"
	case KindContextInvalidated:
		return "context_invalidated"
	case KindNullKey:
		return "null_key"
	case KindEmptyKey:
		return "empty_key"
	case KindTimeout:
		return "timeout"
	case KindInvalidKey:
		return "invalid_key"
	case KindWrongNetwork:
		return "wrong_network"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wallet: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("wallet: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	var we *Error
	return errors.As(err, &we) && we.Kind == k
}

// kindOf extracts the kind from an extension error, defaulting to
// KindUnknown for anything untyped.
func kindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindUnknown
}
