package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config is the engine configuration
type Config struct {
	HTTPAddr string

	LedgerRPCURL       string
	BackendPrivateKey  string
	CredentialContract string
	BatchContract      string
	ChainID            *big.Int
	MinBalance         decimal.Decimal
	ConfirmTimeout     time.Duration
	MintAttemptTimeout time.Duration

	RelayURL       string
	RelayAPIKey    string
	RelayForwarder string

	ClearNodeURL      string
	ClearNodeAppName  string
	ClearNodeAuthMode string

	StoreDriver string
	RedisURL    string
	DatabaseURL string

	IssuerKeyPath string
	SettleMode    string
	EventsEnabled bool
	LogLevel      string
}

// FromEnv builds the configuration from environment variables so main stays lean.
func FromEnv() (Config, error) {
	return FromLookup(os.Getenv)
}

// FromLookup builds the configuration from an arbitrary variable source
func FromLookup(getenv func(string) string) (Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		HTTPAddr:           get("HTTP_ADDR", ":8080"),
		LedgerRPCURL:       get("LEDGER_RPC_URL", ""),
		BackendPrivateKey:  get("BACKEND_PRIVATE_KEY", ""),
		CredentialContract: get("CREDENTIAL_CONTRACT_ADDRESS", ""),
		BatchContract:      get("BATCH_CONTRACT_ADDRESS", ""),
		RelayURL:           get("RELAY_URL", ""),
		RelayAPIKey:        get("RELAY_API_KEY", ""),
		RelayForwarder:     get("RELAY_FORWARDER_ADDRESS", ""),
		ClearNodeURL:       get("CLEARNODE_URL", ""),
		ClearNodeAppName:   get("CLEARNODE_APP_NAME", "SkillCert"),
		ClearNodeAuthMode:  get("CLEARNODE_AUTH_MODE", "raw"),
		StoreDriver:        strings.ToLower(get("STORE_DRIVER", StoreMemory)),
		RedisURL:           get("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:        get("DATABASE_URL", ""),
		IssuerKeyPath:      get("ISSUER_JWT_KEY", ""),
		SettleMode:         get("SETTLE_MODE", "per_record"),
		EventsEnabled:      get("EVENTS_ENABLED", "false") == "true",
		LogLevel:           get("LOG_LEVEL", "info"),
	}

	if raw := get("CHAIN_ID", ""); raw != "" {
		id, ok := new(big.Int).SetString(raw, 10)
		if !ok || id.Sign() <= 0 {
			return Config{}, fmt.Errorf("invalid CHAIN_ID %q", raw)
		}
		cfg.ChainID = id
	}

	minBalance, err := decimal.NewFromString(get("MIN_BALANCE_ETH", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid MIN_BALANCE_ETH: %w", err)
	}
	cfg.MinBalance = minBalance

	if cfg.MintAttemptTimeout, err = duration(get("MINT_ATTEMPT_TIMEOUT", "10s")); err != nil {
		return Config{}, fmt.Errorf("invalid MINT_ATTEMPT_TIMEOUT: %w", err)
	}
	if cfg.ConfirmTimeout, err = duration(get("CONFIRM_TIMEOUT", "30s")); err != nil {
		return Config{}, fmt.Errorf("invalid CONFIRM_TIMEOUT: %w", err)
	}

	switch cfg.StoreDriver {
	case StoreMemory, StoreRedis:
	case StoreSQLite, StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=%s", cfg.StoreDriver)
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	return cfg, nil
}

// LedgerConfigured reports whether direct submission can be wired
func (c Config) LedgerConfigured() bool {
	return c.LedgerRPCURL != "" && c.BackendPrivateKey != "" && c.CredentialContract != ""
}

// duration accepts Go durations and plain seconds
func duration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if seconds, convErr := strconv.Atoi(raw); convErr == nil {
		d, err = time.Duration(seconds)*time.Second, nil
	}
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", raw)
	}
	return d, nil
}
