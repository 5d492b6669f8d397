package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process level configuration. Empty connection strings select
// the in-memory implementations so the service runs without infrastructure.
type Server struct {
	Addr        string
	DatabaseURL string
	Redis       RedisConfig
	Kafka       KafkaConfig
	ObjectStore ObjectStoreConfig
	Upstream    UpstreamConfig
	Protocol    ProtocolConfig
	RateLimit   RateLimitConfig

	// OperatorJWTKey signs operator tokens accepted by review endpoints.
	OperatorJWTKey string
	// TierPolicyPath optionally points at a YAML tier policy.
	TierPolicyPath string
	ShutdownGrace  time.Duration
}

// RedisConfig configures the idempotency store and registry read cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CacheTTL     time.Duration
}

// KafkaConfig configures the audit event sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ObjectStoreConfig configures the S3-compatible content store.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// UpstreamConfig configures the chain and review collaborators.
type UpstreamConfig struct {
	ChainURL       string
	ReviewURL      string
	CallTimeout    time.Duration
	MaxAttempts    int
	BreakerFailure int
	BreakerCool    time.Duration
	// MintSupply is the supply minted per namespace asset.
	MintSupply string
	// XRPLIssuer is the issuer account activated sessions trust.
	XRPLIssuer string
}

// RateLimitConfig sets per-client request budgets per minute.
type RateLimitConfig struct {
	Disabled           bool
	ReadPerMinute      int
	WritePerMinute     int
	ExpensivePerMinute int
}

// ProtocolConfig holds certificate-format constants.
type ProtocolConfig struct {
	GenesisTimestamp time.Time
	ProtocolVersion  string
	CertVersion      string
	// SignerSeed is the hex seed of the reference Dilithium key.
	SignerSeed string
}

// DefaultGenesis is the issuance cutoff used when SOVEREIGN_GENESIS is unset.
var DefaultGenesis = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	genesis := DefaultGenesis
	if raw := os.Getenv("SOVEREIGN_GENESIS"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Server{}, fmt.Errorf("parse SOVEREIGN_GENESIS: %w", err)
		}
		genesis = t.UTC()
	}

	cfg := Server{
		Addr:        getEnv("SOVEREIGN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("SOVEREIGN_DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("SOVEREIGN_REDIS_URL"),
			PoolSize:     getInt("SOVEREIGN_REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("SOVEREIGN_REDIS_MIN_IDLE", 2),
			DialTimeout:  getDuration("SOVEREIGN_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("SOVEREIGN_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("SOVEREIGN_REDIS_WRITE_TIMEOUT", 3*time.Second),
			CacheTTL:     getDuration("SOVEREIGN_REGISTRY_CACHE_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("SOVEREIGN_KAFKA_BROKERS")),
			Topic:   getEnv("SOVEREIGN_KAFKA_AUDIT_TOPIC", "sovereign.audit"),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  os.Getenv("SOVEREIGN_S3_ENDPOINT"),
			AccessKey: os.Getenv("SOVEREIGN_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("SOVEREIGN_S3_SECRET_KEY"),
			Bucket:    getEnv("SOVEREIGN_S3_BUCKET", "certificates"),
			UseSSL:    os.Getenv("SOVEREIGN_S3_USE_SSL") == "true",
		},
		Upstream: UpstreamConfig{
			ChainURL:       os.Getenv("SOVEREIGN_CHAIN_URL"),
			ReviewURL:      os.Getenv("SOVEREIGN_REVIEW_URL"),
			CallTimeout:    getDuration("SOVEREIGN_UPSTREAM_TIMEOUT", 10*time.Second),
			MaxAttempts:    getInt("SOVEREIGN_UPSTREAM_ATTEMPTS", 3),
			BreakerFailure: getInt("SOVEREIGN_BREAKER_FAILURES", 5),
			BreakerCool:    getDuration("SOVEREIGN_BREAKER_COOLDOWN", 30*time.Second),
			MintSupply:     getEnv("SOVEREIGN_MINT_SUPPLY", "1"),
			XRPLIssuer:     os.Getenv("SOVEREIGN_XRPL_ISSUER"),
		},
		Protocol: ProtocolConfig{
			GenesisTimestamp: genesis,
			ProtocolVersion:  getEnv("SOVEREIGN_PROTOCOL_VERSION", "1.0"),
			CertVersion:      getEnv("SOVEREIGN_CERT_VERSION", "1.0"),
			SignerSeed:       os.Getenv("SOVEREIGN_SIGNER_SEED"),
		},
		RateLimit: RateLimitConfig{
			Disabled:           os.Getenv("SOVEREIGN_RATE_LIMIT_DISABLED") == "true",
			ReadPerMinute:      getInt("SOVEREIGN_RATE_LIMIT_READ", 300),
			WritePerMinute:     getInt("SOVEREIGN_RATE_LIMIT_WRITE", 60),
			ExpensivePerMinute: getInt("SOVEREIGN_RATE_LIMIT_EXPENSIVE", 10),
		},
		OperatorJWTKey: getEnv("SOVEREIGN_OPERATOR_JWT_KEY", "dev-operator-key-change-in-production"),
		TierPolicyPath: os.Getenv("SOVEREIGN_TIER_POLICY"),
		ShutdownGrace:  getDuration("SOVEREIGN_SHUTDOWN_GRACE", 10*time.Second),
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
