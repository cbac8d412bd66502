// Package config aggregates settings from an optional JSON network file
// and environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// NetworkConfig models network.json: which ledger network the service
// talks to and how payments are shaped on it.
type NetworkConfig struct {
	Name       string `json:"name"`
	Passphrase string `json:"passphrase"`
	HorizonURL string `json:"horizonUrl"`
	Limits     struct {
		MinJobAmount float64 `json:"minJobAmount"`
	} `json:"limits"`
	Wallet struct {
		ConnectMaxAttempts int `json:"connectMaxAttempts"`
		AttemptTimeoutMs   int `json:"attemptTimeoutMs"`
		BaseDelayMs        int `json:"baseDelayMs"`
	} `json:"wallet"`
}

// ServiceConfig carries everything the HTTP server and stores need.
type ServiceConfig struct {
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	SettleDelay       time.Duration
	ReleaseDLQPath    string
	StoreBackend      string // "memory" or "postgres"
	PostgresDSN       string
	SignerBridgeURL   string
}

// AppConfig ties network and service settings together.
type AppConfig struct {
	Network NetworkConfig
	Service ServiceConfig
}

const defaultNetworkPath = "network.json"

// Testnet values, used when no network.json is present.
func defaultNetwork() NetworkConfig {
	cfg := NetworkConfig{
		Name:       "TESTNET",
		Passphrase: "Test SDF Network ; September 2015",
		HorizonURL: "https://horizon-testnet.stellar.org",
	}
	cfg.Limits.MinJobAmount = 1
	cfg.Wallet.ConnectMaxAttempts = 5
	cfg.Wallet.AttemptTimeoutMs = 5000
	cfg.Wallet.BaseDelayMs = 1000
	return cfg
}

// Load aggregates configuration from disk and environment. Environment
// values win over the file; the file wins over defaults.
func Load() (*AppConfig, error) {
	netCfg, err := loadNetwork(envOr("NETWORK_CONFIG_PATH", defaultNetworkPath))
	if err != nil {
		return nil, fmt.Errorf("load network config: %w", err)
	}

	netCfg.Name = envOr("LEDGER_NETWORK", netCfg.Name)
	netCfg.Passphrase = envOr("LEDGER_PASSPHRASE", netCfg.Passphrase)
	netCfg.HorizonURL = envOr("HORIZON_URL", netCfg.HorizonURL)

	backend := envOr("STORE_BACKEND", "memory")
	if backend != "memory" && backend != "postgres" {
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:        envOr("HMAC_SECRET", ""),
		HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow: time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 3600)) * time.Second,
		SettleDelay:       time.Duration(envOrInt("SETTLE_DELAY_MS", 1000)) * time.Millisecond,
		ReleaseDLQPath:    envOr("RELEASE_DLQ_PATH", filepath.Join(os.TempDir(), "freelanceflow-release-dlq")),
		StoreBackend:      backend,
		PostgresDSN:       envOr("POSTGRES_DSN", ""),
		SignerBridgeURL:   envOr("SIGNER_BRIDGE_URL", "http://127.0.0.1:7310"),
	}

	if serviceCfg.StoreBackend == "postgres" && serviceCfg.PostgresDSN == "" {
		return nil, errors.New("STORE_BACKEND=postgres requires POSTGRES_DSN")
	}

	return &AppConfig{Network: *netCfg, Service: serviceCfg}, nil
}

func loadNetwork(path string) (*NetworkConfig, error) {
	cfg := defaultNetwork()

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Passphrase == "" {
		return nil, errors.New("network passphrase is empty")
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
