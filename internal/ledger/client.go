// Package ledger is the REST client for the network's horizon-style
// API: account lookup, balance queries, and transaction submission.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"freelanceflow/internal/strkey"
)

var (
	ErrInvalidAddress    = errors.New("ledger: invalid account address")
	ErrNotFunded         = errors.New("ledger: account not funded on network")
	ErrUnavailable       = errors.New("ledger: network unreachable")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrMalformed         = errors.New("ledger: malformed transaction")
)

// Client talks to one horizon endpoint. None of its calls retry;
// submission failures surface to the caller as-is.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Balance is one asset entry on an account.
type Balance struct {
	AssetType string `json:"asset_type"`
	Balance   string `json:"balance"`
}

// Account is the subset of account detail this application reads.
type Account struct {
	ID       string    `json:"id"`
	Sequence string    `json:"sequence"`
	Balances []Balance `json:"balances"`
}

// SubmitResult carries the confirmation identifier of an accepted
// transaction.
type SubmitResult struct {
	Hash   string `json:"hash"`
	Ledger int64  `json:"ledger"`
}

// problem is the structured rejection body the network returns.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Extras struct {
		ResultCodes struct {
			Transaction string   `json:"transaction"`
			Operations  []string `json:"operations"`
		} `json:"result_codes"`
	} `json:"extras"`
}

// Account fetches account details. Malformed addresses are rejected
// before any network round-trip; a 404 means the account was never
// funded.
func (c *Client) Account(ctx context.Context, address string) (*Account, error) {
	if !strkey.IsValidAddress(address) {
		return nil, ErrInvalidAddress
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/accounts/"+address, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFunded
	case resp.StatusCode != http.StatusOK:
		return nil, decodeProblem(resp.Body, resp.StatusCode)
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("ledger: decode account: %w", err)
	}
	return &account, nil
}

// NativeBalance returns the native-asset balance for the address, or
// "0" when the account is unfunded or holds no native entry.
func (c *Client) NativeBalance(ctx context.Context, address string) (string, error) {
	account, err := c.Account(ctx, address)
	if errors.Is(err, ErrNotFunded) {
		return "0", nil
	}
	if err != nil {
		return "", err
	}

	for _, b := range account.Balances {
		if b.AssetType == "native" {
			return b.Balance, nil
		}
	}
	return "0", nil
}

// Submit sends a signed envelope to the network and returns its
// confirmation hash. Structured rejections map to typed errors.
func (c *Client) Submit(ctx context.Context, signedEnvelope string) (*SubmitResult, error) {
	form := url.Values{"tx": {signedEnvelope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/transactions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeProblem(resp.Body, resp.StatusCode)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ledger: decode submit result: %w", err)
	}
	return &result, nil
}

// Ping checks the endpoint responds at all; used by health reporting.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func decodeProblem(body io.Reader, status int) error {
	var p problem
	if err := json.NewDecoder(body).Decode(&p); err != nil {
		return fmt.Errorf("ledger: status %d", status)
	}

	for _, code := range p.Extras.ResultCodes.Operations {
		switch code {
		case "op_underfunded":
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, code)
		case "op_no_destination", "op_malformed", "op_not_supported":
			return fmt.Errorf("%w: %s", ErrMalformed, code)
		}
	}
	if tx := p.Extras.ResultCodes.Transaction; tx == "tx_insufficient_balance" || tx == "tx_insufficient_fee" {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, tx)
	}

	msg := p.Title
	if p.Detail != "" {
		msg = p.Title + " - " + p.Detail
	}
	return fmt.Errorf("ledger: status %d: %s", status, msg)
}
