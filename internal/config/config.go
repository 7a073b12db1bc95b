package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"pledgerails/internal/escrow"
	"pledgerails/internal/pledge"
)

// SeedConfig models seed.json.
type SeedConfig struct {
	Token struct {
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"token"`
	Chain struct {
		ChainID int64  `json:"chainId"`
		RPCURL  string `json:"rpcUrl"`
	} `json:"chain"`
	Secrets struct {
		HMACSecret string `json:"hmacSecret"`
		JWTSecret  string `json:"jwtSecret"`
	} `json:"secrets"`
	Limits struct {
		MinStake             string `json:"minStake"`
		MaxDescriptionLength int    `json:"maxDescriptionLength"`
	} `json:"limits"`
	Policy struct {
		// ForfeitSink is "burn" or a hex address.
		ForfeitSink              string   `json:"forfeitSink"`
		CompletionGraceSeconds   int      `json:"completionGraceSeconds"`
		PermissionlessSettlement *bool    `json:"permissionlessSettlement"`
		Keepers                  []string `json:"keepers"`
	} `json:"policy"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs"`
		RequestTimeoutMs      int `json:"requestTimeoutMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
	RateLimit struct {
		RequestsPerMinute float64 `json:"requestsPerMinute"`
		Burst             int     `json:"burst"`
	} `json:"rateLimit"`
	Keeper struct {
		IntervalSeconds int `json:"intervalSeconds"`
		BatchSize       int `json:"batchSize"`
	} `json:"keeper"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Keeper    string `json:"keeper"`
	Contracts struct {
		PledgeEscrow string `json:"PledgeEscrow"`
	} `json:"contracts"`
	Accounts struct {
		Escrow   string `json:"escrow"`
		Treasury string `json:"treasury"`
	} `json:"accounts"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Store      StoreConfig
	Events     EventsConfig
	Auth       AuthConfig
	Chain      ChainConfig
	Keeper     KeeperConfig
	Log        LogConfig
}

type ServiceConfig struct {
	HTTPPort          int
	Env               string
	HMACClockSkew     time.Duration
	RequestTimeout    time.Duration
	IdempotencyWindow time.Duration
	// IdempotencyBackend is memory, file, postgres or redis.
	IdempotencyBackend   string
	IdempotencyStorePath string
	IdempotencyDSN       string
	IdempotencyTable     string
	RedisAddr            string
	RedisPassword        string
	DLQPath              string
}

type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver       string
	SQLitePath   string
	PostgresDSN  string
	MaxAttempts  int
	RetryBackoff time.Duration
}

// EventsConfig enables the outbox relay sinks. Empty values disable a sink.
type EventsConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string
	PollInterval time.Duration
}

type AuthConfig struct {
	JWTSecret      string
	Issuer         string
	Audience       string
	AllowDevHeader bool
}

type ChainConfig struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	ReceiptTimeout  time.Duration
}

type KeeperConfig struct {
	Enabled   bool
	Address   string
	Interval  time.Duration
	BatchSize int
}

type LogConfig struct {
	Level string
	File  string
}

const (
	defaultSeedPath        = "seed.json"
	defaultDeploymentsPath = "deployments.json"
)

// Load aggregates configuration from .env, disk and environment. Missing
// seed or deployment files leave the defaults in place.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(envOr("ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	seedCfg, err := loadSeed(envOr("SEED_PATH", defaultSeedPath))
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadDeployments(envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath))
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		Env:                  envOr("APP_ENV", "dev"),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 300)) * time.Second,
		RequestTimeout:       envOrDuration("REQUEST_TIMEOUT", millis(seedCfg.Timeouts.RequestTimeoutMs)),
		IdempotencyWindow:    time.Duration(seedCfg.Timeouts.IdempotencyWindowSecs) * time.Second,
		IdempotencyBackend:   envOr("IDEMPOTENCY_BACKEND", "file"),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "pledgerails-idem.json")),
		IdempotencyDSN:       envOr("IDEMPOTENCY_POSTGRES_DSN", ""),
		IdempotencyTable:     envOr("IDEMPOTENCY_POSTGRES_TABLE", ""),
		RedisAddr:            envOr("REDIS_ADDR", ""),
		RedisPassword:        envOr("REDIS_PASSWORD", ""),
		DLQPath:              envOr("DLQ_PATH", filepath.Join(os.TempDir(), "pledgerails-dlq")),
	}

	storeCfg := StoreConfig{
		Driver:       envOr("STORE_DRIVER", "sqlite"),
		SQLitePath:   envOr("SQLITE_PATH", "pledgerails.db"),
		PostgresDSN:  envOr("POSTGRES_DSN", ""),
		MaxAttempts:  envOrInt("STORE_MAX_ATTEMPTS", seedCfg.Retry.MaxAttempts),
		RetryBackoff: envOrDuration("STORE_RETRY_BACKOFF", millis(seedCfg.Retry.InitialBackoffMs)),
	}

	eventsCfg := EventsConfig{
		KafkaBrokers: splitList(envOr("KAFKA_BROKERS", "")),
		KafkaTopic:   envOr("KAFKA_TOPIC", "pledgerails.events"),
		S3Bucket:     envOr("EVENT_ARCHIVE_BUCKET", ""),
		S3Prefix:     envOr("EVENT_ARCHIVE_PREFIX", "pledgerails"),
		PollInterval: envOrDuration("RELAY_POLL_INTERVAL", 2*time.Second),
	}

	authCfg := AuthConfig{
		JWTSecret:      envOr("JWT_SECRET", seedCfg.Secrets.JWTSecret),
		Issuer:         envOr("JWT_ISSUER", "pledgerails"),
		Audience:       envOr("JWT_AUDIENCE", ""),
		AllowDevHeader: envOrBool("ALLOW_DEV_PRINCIPAL", false),
	}

	chainCfg := ChainConfig{
		RPCURL:          envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey:      envOr("CHAIN_PRIVATE_KEY", ""),
		ContractAddress: envOr("PLEDGE_CONTRACT_ADDRESS", deployCfg.Contracts.PledgeEscrow),
		ReceiptTimeout:  envOrDuration("CHAIN_RECEIPT_TIMEOUT", millis(seedCfg.Timeouts.RPCTimeoutMs)),
	}

	keeperCfg := KeeperConfig{
		Enabled:   envOrBool("KEEPER_ENABLED", true),
		Address:   envOr("KEEPER_ADDRESS", deployCfg.Keeper),
		Interval:  envOrDuration("KEEPER_INTERVAL", time.Duration(seedCfg.Keeper.IntervalSeconds)*time.Second),
		BatchSize: envOrInt("KEEPER_BATCH_SIZE", seedCfg.Keeper.BatchSize),
	}

	logCfg := LogConfig{
		Level: envOr("LOG_LEVEL", "info"),
		File:  envOr("LOG_FILE", ""),
	}

	return &AppConfig{
		Seed:       *seedCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Store:      storeCfg,
		Events:     eventsCfg,
		Auth:       authCfg,
		Chain:      chainCfg,
		Keeper:     keeperCfg,
		Log:        logCfg,
	}, nil
}

// Policy derives the engine policy from the seed and deployment files.
func (c *AppConfig) Policy() (escrow.Policy, error) {
	p := escrow.DefaultPolicy()

	if s := strings.TrimSpace(c.Seed.Limits.MinStake); s != "" {
		v, err := pledge.ParseAmount(s, c.Seed.Token.Decimals)
		if err != nil {
			return escrow.Policy{}, fmt.Errorf("limits.minStake: %w", err)
		}
		p.MinStake = v
	}
	if c.Seed.Limits.MaxDescriptionLength > 0 {
		p.MaxDescriptionLen = c.Seed.Limits.MaxDescriptionLength
	}
	grace := c.Seed.Policy.CompletionGraceSeconds
	if grace < 0 || int64(grace) > int64(escrow.MaxCompletionGrace/time.Second) {
		return escrow.Policy{}, fmt.Errorf("policy.completionGraceSeconds: %d outside [0, %d]", grace, int64(escrow.MaxCompletionGrace/time.Second))
	}
	p.CompletionGrace = time.Duration(grace) * time.Second
	if c.Seed.Policy.PermissionlessSettlement != nil {
		p.PermissionlessSettlement = *c.Seed.Policy.PermissionlessSettlement
	}

	switch sink := strings.TrimSpace(c.Seed.Policy.ForfeitSink); {
	case sink == "" || strings.EqualFold(sink, "burn"):
		p.Sink = escrow.BurnAddress
	case sink == "treasury":
		addr, err := pledge.ParseAddress(c.Deployment.Accounts.Treasury)
		if err != nil {
			return escrow.Policy{}, fmt.Errorf("accounts.treasury: %w", err)
		}
		p.Sink = addr
	default:
		addr, err := pledge.ParseAddress(sink)
		if err != nil {
			return escrow.Policy{}, fmt.Errorf("policy.forfeitSink: %w", err)
		}
		p.Sink = addr
	}

	if s := strings.TrimSpace(c.Deployment.Accounts.Escrow); s != "" {
		addr, err := pledge.ParseAddress(s)
		if err != nil {
			return escrow.Policy{}, fmt.Errorf("accounts.escrow: %w", err)
		}
		p.EscrowAccount = addr
	}

	keepers := append([]string(nil), c.Seed.Policy.Keepers...)
	if c.Keeper.Address != "" {
		keepers = append(keepers, c.Keeper.Address)
	}
	for _, k := range keepers {
		addr, err := pledge.ParseAddress(k)
		if err != nil {
			return escrow.Policy{}, fmt.Errorf("keeper %q: %w", k, err)
		}
		p.Keepers = append(p.Keepers, addr)
	}
	return p, nil
}

// KeeperAddress is the principal the sweeper settles as.
func (c *AppConfig) KeeperAddress() (common.Address, error) {
	if c.Keeper.Address == "" {
		return common.Address{}, errors.New("keeper address not configured")
	}
	return pledge.ParseAddress(c.Keeper.Address)
}

func loadSeed(path string) (*SeedConfig, error) {
	cfg := defaultSeed()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	if cfg.Token.Decimals <= 0 {
		cfg.Token.Decimals = pledge.DefaultDecimals
	}
	return cfg, nil
}

func defaultSeed() *SeedConfig {
	var cfg SeedConfig
	cfg.Token.Symbol = "PLG"
	cfg.Token.Decimals = pledge.DefaultDecimals
	cfg.Limits.MinStake = "0.1"
	cfg.Limits.MaxDescriptionLength = 280
	cfg.Policy.ForfeitSink = "burn"
	cfg.Retry.MaxAttempts = 5
	cfg.Retry.InitialBackoffMs = 200
	cfg.Retry.MaxBackoffMs = 5000
	cfg.Retry.BackoffMultiplier = 2
	cfg.Timeouts.RPCTimeoutMs = 60000
	cfg.Timeouts.RequestTimeoutMs = 15000
	cfg.Timeouts.IdempotencyWindowSecs = 86400
	cfg.RateLimit.RequestsPerMinute = 120
	cfg.RateLimit.Burst = 20
	cfg.Keeper.IntervalSeconds = 30
	cfg.Keeper.BatchSize = 50
	return &cfg
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
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
	return &cfg, nil
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go durations ("1m30s") or bare seconds.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	val = strings.TrimSpace(val)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
