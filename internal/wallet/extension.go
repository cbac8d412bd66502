package wallet

import "context"

// SignOptions carries the network context for a signing request.
type SignOptions struct {
	Network           string `json:"network"`
	NetworkPassphrase string `json:"networkPassphrase"`
	AccountToSign     string `json:"accountToSign"`
}

// Extension abstracts the external signing agent. All calls may fail
// with a *Error; implementations classify their own failure kinds.
type Extension interface {
	// IsAllowed reports whether this application has been granted access.
	IsAllowed(ctx context.Context) (bool, error)
	// IsConnected reports whether an authorized session already exists.
	IsConnected(ctx context.Context) (bool, error)
	// RequestAccess prompts the operator to grant access. Blocks until
	// the human responds.
	RequestAccess(ctx context.Context) error
	// GetPublicKey returns the active signing identity. Observed to
	// return transient empty results shortly after an access grant.
	GetPublicKey(ctx context.Context) (string, error)
	// GetNetwork returns the network label the extension is pointed at.
	GetNetwork(ctx context.Context) (string, error)
	// SignTransaction signs a base64 transaction envelope.
	SignTransaction(ctx context.Context, envelope string, opts SignOptions) (string, error)
}

// State is the ephemeral result of a successful handshake. It is
// re-derived on every check and never persisted.
type State struct {
	PublicKey string `json:"publicKey"`
	Connected bool   `json:"isConnected"`
	Network   string `json:"network"`
}
