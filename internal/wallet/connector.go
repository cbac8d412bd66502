package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"freelanceflow/internal/strkey"
)

// Connector drives the handshake with the signing extension. There is no
// persisted session: every check re-derives the current connection.
type Connector struct {
	// Network is the label the extension must report, e.g. "TESTNET".
	Network string
	// Passphrase is forwarded with signing requests.
	Passphrase string
	// Connecting and Resuming are the retry ladders for the full
	// handshake and the existing-session probe.
	Connecting RetryPolicy
	Resuming   RetryPolicy
	// SettleWait is the pause after an access grant before the first
	// key retrieval.
	SettleWait time.Duration

	ext   Extension
	log   *zap.Logger
	sleep func(context.Context, time.Duration) error
}

func NewConnector(ext Extension, network, passphrase string, log *zap.Logger) *Connector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connector{
		Network:    network,
		Passphrase: passphrase,
		Connecting: ConnectPolicy(),
		Resuming:   ResumePolicy(),
		SettleWait: time.Second,
		ext:        ext,
		log:        log,
		sleep:      sleepCtx,
	}
}

// IsAvailable probes the extension. Any failure reads as unavailable.
func (c *Connector) IsAvailable(ctx context.Context) bool {
	_, err := c.ext.IsAllowed(ctx)
	return err == nil
}

// CheckExistingConnection returns the wallet state when the extension
// already holds an authorized session on the expected network, and nil
// in every other case. It never returns an error: callers fall back to
// a fresh Connect.
func (c *Connector) CheckExistingConnection(ctx context.Context) *State {
	connected, err := c.ext.IsConnected(ctx)
	if err != nil || !connected {
		return nil
	}

	key, err := c.retrieveKey(ctx, c.Resuming)
	if err != nil {
		c.log.Debug("existing session key retrieval failed", zap.String("kind", kindOf(err).String()))
		return nil
	}

	network, err := c.ext.GetNetwork(ctx)
	if err != nil || network != c.Network {
		c.log.Debug("existing session on unexpected network", zap.String("network", network))
		return nil
	}

	return &State{PublicKey: key, Connected: true, Network: network}
}

// Connect performs the full handshake: preflight probe, access request
// with settle time, key retrieval ladder, key validation, and network
// check. Failures carry a Kind; anything unclassified propagates after
// the retry budget is spent.
func (c *Connector) Connect(ctx context.Context) (*State, error) {
	if _, err := c.ext.IsAllowed(ctx); err != nil {
		return nil, &Error{Kind: KindUnreachable, Op: "connect", Err: err}
	}

	connected, err := c.ext.IsConnected(ctx)
	if err != nil {
		return nil, &Error{Kind: kindOf(err), Op: "connect", Err: err}
	}

	if !connected {
		c.log.Info("requesting wallet access")
		if err := c.ext.RequestAccess(ctx); err != nil {
			switch kindOf(err) {
			case KindUserDeclined:
				return nil, &Error{Kind: KindUserDeclined, Op: "connect", Err: err}
			case KindContextInvalidated:
				return nil, &Error{Kind: KindContextInvalidated, Op: "connect", Err: err}
			default:
				return nil, &Error{Kind: KindUnknown, Op: "connect", Err: err}
			}
		}
		if err := c.sleep(ctx, c.SettleWait); err != nil {
			return nil, err
		}
	}

	key, err := c.retrieveKey(ctx, c.Connecting)
	if err != nil {
		return nil, err
	}

	network, err := c.ext.GetNetwork(ctx)
	if err != nil {
		return nil, &Error{Kind: kindOf(err), Op: "connect", Err: err}
	}
	if network != c.Network {
		return nil, &Error{
			Kind: KindWrongNetwork,
			Op:   "connect",
			Err:  fmt.Errorf("expected %s, extension reports %s", c.Network, network),
		}
	}

	c.log.Info("wallet connected", zap.String("network", network))
	return &State{PublicKey: key, Connected: true, Network: network}, nil
}

// Sign forwards a base64 envelope to the extension for signing.
func (c *Connector) Sign(ctx context.Context, envelope, account string) (string, error) {
	signed, err := c.ext.SignTransaction(ctx, envelope, SignOptions{
		Network:           c.Network,
		NetworkPassphrase: c.Passphrase,
		AccountToSign:     account,
	})
	if err != nil {
		return "", &Error{Kind: kindOf(err), Op: "sign", Err: err}
	}
	return signed, nil
}

// retrieveKey runs the retry ladder until a structurally valid key is
// obtained or the budget is exhausted. Declines and invalidated contexts
// abort immediately: retrying cannot help within this page lifetime.
func (c *Connector) retrieveKey(ctx context.Context, policy RetryPolicy) (string, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastKind Kind
	for attempt := 1; attempt <= attempts; attempt++ {
		key, err := c.keyAttempt(ctx, policy.AttemptTimeout)

		if err == nil {
			if key == "" {
				lastKind = KindEmptyKey
				c.log.Warn("empty public key from extension", zap.Int("attempt", attempt))
				if policy.ReauthorizeOnEmpty && attempt < attempts {
					c.reauthorize(ctx, policy.ReauthorizeWait)
				}
			} else {
				cleaned := cleanKey(key)
				if strkey.IsValidAddress(cleaned) {
					if cleaned != key {
						c.log.Info("cleaned public key accepted", zap.Int("attempt", attempt))
					}
					return cleaned, nil
				}
				lastKind = KindInvalidKey
				c.log.Warn("malformed public key from extension",
					zap.Int("attempt", attempt), zap.Int("length", len(key)))
			}
		} else {
			lastKind = kindOf(err)
			switch lastKind {
			case KindUserDeclined, KindContextInvalidated:
				return "", &Error{Kind: lastKind, Op: "get public key", Err: err}
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.log.Warn("public key attempt failed",
				zap.Int("attempt", attempt), zap.String("kind", lastKind.String()))
		}

		if attempt < attempts {
			if err := c.sleep(ctx, policy.Delay(attempt, lastKind)); err != nil {
				return "", err
			}
		}
	}

	return "", &Error{
		Kind: KindInvalidKey,
		Op:   "get public key",
		Err:  fmt.Errorf("no valid key after %d attempts (last: %s)", attempts, lastKind),
	}
}

// keyAttempt races one GetPublicKey call against the attempt timeout.
// A timeout abandons the wait without cancelling the call; a slow late
// result is discarded.
func (c *Connector) keyAttempt(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return c.ext.GetPublicKey(ctx)
	}

	type result struct {
		key string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		key, err := c.ext.GetPublicKey(ctx)
		ch <- result{key, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.key, r.err
	case <-timer.C:
		return "", &Error{Kind: KindTimeout, Op: "get public key"}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// reauthorize re-checks the access grant after an empty key; the grant
// is sometimes silently revoked mid-handshake.
func (c *Connector) reauthorize(ctx context.Context, wait time.Duration) {
	allowed, err := c.ext.IsAllowed(ctx)
	if err != nil || allowed {
		return
	}
	c.log.Info("access grant revoked mid-handshake, re-requesting")
	if err := c.ext.RequestAccess(ctx); err != nil {
		c.log.Warn("re-request failed", zap.String("kind", kindOf(err).String()))
		return
	}
	_ = c.sleep(ctx, wait)
}

// cleanKey strips whitespace and non-word characters. The cleaned form
// is only adopted when it has the exact address shape; otherwise the
// original survives so validation reports on what was actually received.
func cleanKey(key string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(key) {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned) == strkey.AddressLength && strings.HasPrefix(cleaned, "G") {
		return cleaned
	}
	return key
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
