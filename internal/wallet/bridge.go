package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Bridge implements Extension over a local signer agent's HTTP API, the
// stand-in for the in-page browser extension. The agent reports typed
// failure codes; transport failures read as unreachable.
type Bridge struct {
	BaseURL string
	HTTP    *http.Client
}

func NewBridge(baseURL string) *Bridge {
	return &Bridge{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type bridgeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type bridgeEnvelope struct {
	Allowed   *bool        `json:"allowed,omitempty"`
	Connected *bool        `json:"connected,omitempty"`
	PublicKey *string      `json:"publicKey,omitempty"`
	Network   *string      `json:"network,omitempty"`
	Signed    *string      `json:"signedEnvelope,omitempty"`
	Error     *bridgeError `json:"error,omitempty"`
}

func (b *Bridge) IsAllowed(ctx context.Context) (bool, error) {
	resp, err := b.call(ctx, http.MethodGet, "/allowed", nil)
	if err != nil {
		return false, err
	}
	return resp.Allowed != nil && *resp.Allowed, nil
}

func (b *Bridge) IsConnected(ctx context.Context) (bool, error) {
	resp, err := b.call(ctx, http.MethodGet, "/connected", nil)
	if err != nil {
		return false, err
	}
	return resp.Connected != nil && *resp.Connected, nil
}

func (b *Bridge) RequestAccess(ctx context.Context) error {
	_, err := b.call(ctx, http.MethodPost, "/access", struct{}{})
	return err
}

func (b *Bridge) GetPublicKey(ctx context.Context) (string, error) {
	resp, err := b.call(ctx, http.MethodGet, "/public-key", nil)
	if err != nil {
		return "", err
	}
	// A present-but-null key is distinct from an empty string; the
	// connector delays longer for it.
	if resp.PublicKey == nil {
		return "", &Error{Kind: KindNullKey, Op: "bridge public-key"}
	}
	return *resp.PublicKey, nil
}

func (b *Bridge) GetNetwork(ctx context.Context) (string, error) {
	resp, err := b.call(ctx, http.MethodGet, "/network", nil)
	if err != nil {
		return "", err
	}
	if resp.Network == nil {
		return "", &Error{Kind: KindUnknown, Op: "bridge network", Err: fmt.Errorf("agent returned no network")}
	}
	return *resp.Network, nil
}

func (b *Bridge) SignTransaction(ctx context.Context, envelope string, opts SignOptions) (string, error) {
	payload := struct {
		Envelope string `json:"envelope"`
		SignOptions
	}{Envelope: envelope, SignOptions: opts}

	resp, err := b.call(ctx, http.MethodPost, "/sign", payload)
	if err != nil {
		return "", err
	}
	if resp.Signed == nil {
		return "", &Error{Kind: KindUnknown, Op: "bridge sign", Err: fmt.Errorf("agent returned no envelope")}
	}
	return *resp.Signed, nil
}

func (b *Bridge) call(ctx context.Context, method, path string, body any) (*bridgeEnvelope, error) {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindUnknown, Op: "bridge encode", Err: err}
		}
		reader = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Op: "bridge request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := b.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Op: "bridge " + path, Err: err}
	}
	defer httpResp.Body.Close()

	var envelope bridgeEnvelope
	if err := json.NewDecoder(httpResp.Body).Decode(&envelope); err != nil {
		return nil, &Error{Kind: KindUnknown, Op: "bridge " + path, Err: err}
	}

	if envelope.Error != nil {
		return nil, &Error{
			Kind: bridgeKind(envelope.Error.Code),
			Op:   "bridge " + path,
			Err:  fmt.Errorf("%s", envelope.Error.Message),
		}
	}
	if httpResp.StatusCode >= 400 {
		return nil, &Error{
			Kind: KindUnknown,
			Op:   "bridge " + path,
			Err:  fmt.Errorf("agent returned status %d", httpResp.StatusCode),
		}
	}
	return &envelope, nil
}

func bridgeKind(code string) Kind {
	switch code {
	case "user_declined":
		return KindUserDeclined
	case "context_invalidated":
		return KindContextInvalidated
	case "null_key":
		return KindNullKey
	default:
		return KindUnknown
	}
}
