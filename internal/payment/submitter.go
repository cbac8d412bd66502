package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"freelanceflow/internal/ledger"
	"freelanceflow/internal/wallet"
)

// ErrDeclined means the human operator rejected the signing prompt.
var ErrDeclined = errors.New("payment: signature declined by operator")

// Signer is the slice of the wallet connector this package needs.
type Signer interface {
	Sign(ctx context.Context, envelope, account string) (string, error)
}

// Network is the slice of the ledger client this package needs.
type Network interface {
	NativeBalance(ctx context.Context, address string) (string, error)
	Submit(ctx context.Context, signedEnvelope string) (*ledger.SubmitResult, error)
}

// Submitter signs and submits envelopes. Nothing here retries: each
// failure mode surfaces distinctly and the caller decides.
type Submitter struct {
	signer  Signer
	network Network
	log     *zap.Logger
}

func NewSubmitter(signer Signer, network Network, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{signer: signer, network: network, log: log}
}

// SignAndSubmit runs the soft balance check, requests a signature from
// the operator, submits, and returns the confirmation hash. Funds
// shortfalls are only authoritative post-submission; the local check
// just logs early.
func (s *Submitter) SignAndSubmit(ctx context.Context, env *Envelope) (string, error) {
	source := env.Operation.Source

	if balance, err := s.network.NativeBalance(ctx, source); err == nil {
		have, errHave := strconv.ParseFloat(balance, 64)
		want, errWant := strconv.ParseFloat(env.Operation.Amount, 64)
		if errHave == nil && errWant == nil && have < want {
			s.log.Warn("source balance below payment amount, network may reject",
				zap.String("balance", balance), zap.String("amount", env.Operation.Amount))
		}
	}

	encoded, err := env.Encode()
	if err != nil {
		return "", err
	}

	signed, err := s.signer.Sign(ctx, encoded, source)
	if err != nil {
		if wallet.IsKind(err, wallet.KindUserDeclined) {
			return "", fmt.Errorf("%w: %v", ErrDeclined, err)
		}
		return "", err
	}

	result, err := s.network.Submit(ctx, signed)
	if err != nil {
		return "", err
	}

	s.log.Info("payment submitted",
		zap.String("hash", result.Hash),
		zap.String("destination", env.Operation.Destination),
		zap.String("amount", env.Operation.Amount))
	return result.Hash, nil
}
