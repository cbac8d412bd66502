// Package payment constructs native-asset payment envelopes, obtains a
// signature through the wallet connector, and submits them to the
// ledger network.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"freelanceflow/internal/strkey"
	"freelanceflow/internal/validate"
)

const (
	// MemoMaxBytes is the network's memo limit. Longer memos are
	// truncated, never rejected.
	MemoMaxBytes = 28
	// ValidityWindow bounds how long a built envelope stays submittable.
	ValidityWindow = 300 * time.Second
	// BaseFee is the flat per-operation fee, in the network's smallest
	// unit.
	BaseFee = "100"
)

var (
	ErrBadSource      = errors.New("payment: invalid source address")
	ErrBadDestination = errors.New("payment: invalid destination address")
	ErrBadAmount      = errors.New("payment: invalid amount")
)

// TimeBounds is the envelope validity interval, unix seconds.
type TimeBounds struct {
	MinTime int64 `json:"minTime"`
	MaxTime int64 `json:"maxTime"`
}

// Operation is a single source→destination native-asset transfer.
type Operation struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
}

// Envelope is the unsigned payment instruction handed to the signer.
type Envelope struct {
	NetworkPassphrase string     `json:"networkPassphrase"`
	Fee               string     `json:"fee"`
	Memo              string     `json:"memo,omitempty"`
	TimeBounds        TimeBounds `json:"timeBounds"`
	Operation         Operation  `json:"operation"`
}

// Encode renders the envelope as base64 JSON for signing and submission.
func (e *Envelope) Encode() (string, error) {
	blob, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("payment: encode envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Builder produces envelopes with a fixed validity window.
type Builder struct {
	Passphrase string
	Window     time.Duration

	now func() time.Time
	log *zap.Logger
}

func NewBuilder(passphrase string, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		Passphrase: passphrase,
		Window:     ValidityWindow,
		now:        time.Now,
		log:        log,
	}
}

// Payment builds one native-asset transfer. The memo is truncated
// rune-safely to MemoMaxBytes with a logged warning.
func (b *Builder) Payment(source, destination, amount, memo string) (*Envelope, error) {
	if !strkey.IsValidAddress(source) {
		return nil, ErrBadSource
	}
	if !strkey.IsValidAddress(destination) {
		return nil, ErrBadDestination
	}
	if err := validate.Amount(amount); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadAmount, amount)
	}

	safeMemo := TruncateMemo(memo)
	if safeMemo != memo {
		b.log.Warn("memo truncated to fit network limit",
			zap.String("memo", memo), zap.Int("bytes", len(safeMemo)))
	}

	built := b.now()
	return &Envelope{
		NetworkPassphrase: b.Passphrase,
		Fee:               BaseFee,
		Memo:              safeMemo,
		TimeBounds: TimeBounds{
			MinTime: 0,
			MaxTime: built.Add(b.Window).Unix(),
		},
		Operation: Operation{
			Source:      source,
			Destination: destination,
			Amount:      amount,
			Asset:       "native",
		},
	}, nil
}

// TruncateMemo drops trailing runes until the text fits MemoMaxBytes,
// never splitting a multi-byte rune.
func TruncateMemo(text string) string {
	for len(text) > MemoMaxBytes {
		runes := []rune(text)
		text = string(runes[:len(runes)-1])
	}
	return text
}
