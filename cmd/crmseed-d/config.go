package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rmax-ai/crmseed/pkg/blob"
	"github.com/rmax-ai/crmseed/pkg/engine/idempotency"
	"github.com/rmax-ai/crmseed/pkg/store"
)

const (
	defaultAddr     = "127.0.0.1:8090"
	defaultLeaseTTL = 10 * time.Second
)

type Config struct {
	Addr     string
	LogLevel slog.Level
	TLSCert  string
	TLSKey   string

	DBDriver string
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ClaimTTL          time.Duration
	IdempotencyPolicy idempotency.Policy

	BucketCapacity   float64
	BucketRefill     float64
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	CallTimeout      time.Duration

	CRMMode         string
	CRMBaseURL      string
	CRMToken        string
	CRMClientID     string
	CRMClientSecret string
	CRMTokenURL     string

	OperatorTokens []string

	NodeID   string
	LeaseTTL time.Duration

	ArchiveBackend string
	ArchiveDir     string
	Minio          blob.MinioConfig
	Retention      time.Duration
}

// envSource collects CRMSEED_* parse errors so LoadConfig reports the first.
type envSource struct {
	err error
}

func (e *envSource) str(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (e *envSource) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return d
}

func (e *envSource) integer(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return n
}

func (e *envSource) float(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return f
}

func (e *envSource) boolean(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return b
}

func (e *envSource) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}
	hostname, _ := os.Hostname()

	env := &envSource{}
	fs := flag.NewFlagSet("crmseed-d", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	addr := fs.String("addr", addrFromEnv(defaultAddr), "HTTP listen address")
	logLevel := fs.String("log-level", env.str("CRMSEED_LOG_LEVEL", "info"), "log level: debug|info|warn|error")
	tlsCert := fs.String("tls-cert", env.str("CRMSEED_TLS_CERT", ""), "TLS certificate file")
	tlsKey := fs.String("tls-key", env.str("CRMSEED_TLS_KEY", ""), "TLS key file")

	dbDriver := fs.String("db-driver", env.str("CRMSEED_DB_DRIVER", store.DriverSQLite), "store driver: sqlite3|pgx")
	dbDSN := fs.String("db", env.str("CRMSEED_DB_DSN", env.str("CRMSEED_DB_PATH", filepath.Join(cwd, "crmseed.db"))), "SQLite path or Postgres DSN")

	redisAddr := fs.String("redis-addr", env.str("CRMSEED_REDIS_ADDR", ""), "Redis address for claims, token buckets and leases (empty: use the SQL store)")
	redisPassword := fs.String("redis-password", env.str("CRMSEED_REDIS_PASSWORD", ""), "Redis password")
	redisDB := fs.Int("redis-db", env.integer("CRMSEED_REDIS_DB", 0), "Redis database number")

	claimTTL := fs.Duration("claim-ttl", env.duration("CRMSEED_CLAIM_TTL", idempotency.DefaultTTL), "idempotency claim TTL")
	policy := fs.String("idempotency-policy", env.str("CRMSEED_IDEMPOTENCY_POLICY", string(idempotency.FailOpen)), "claim behaviour when the store is down: fail_open|fail_closed")

	bucketCapacity := fs.Float64("bucket-capacity", env.float("CRMSEED_BUCKET_CAPACITY", 10), "token bucket capacity per credential")
	bucketRefill := fs.Float64("bucket-refill", env.float("CRMSEED_BUCKET_REFILL", 5), "token bucket refill per second")
	breakerThreshold := fs.Int("breaker-threshold", env.integer("CRMSEED_BREAKER_THRESHOLD", 5), "consecutive failures that open the breaker")
	breakerWindow := fs.Duration("breaker-window", env.duration("CRMSEED_BREAKER_WINDOW", 30*time.Second), "breaker failure window")
	breakerCooldown := fs.Duration("breaker-cooldown", env.duration("CRMSEED_BREAKER_COOLDOWN", 15*time.Second), "breaker open duration before a probe")
	backoffBase := fs.Duration("backoff-base", env.duration("CRMSEED_BACKOFF_BASE", 500*time.Millisecond), "retry backoff base")
	backoffMax := fs.Duration("backoff-max", env.duration("CRMSEED_BACKOFF_MAX", time.Minute), "retry backoff cap")
	callTimeout := fs.Duration("call-timeout", env.duration("CRMSEED_CALL_TIMEOUT", 30*time.Second), "timeout per record creation call")

	crmMode := fs.String("crm", env.str("CRMSEED_CRM_MODE", "mock"), "record creation backend: mock|http")
	crmBaseURL := fs.String("crm-url", env.str("CRMSEED_CRM_BASE_URL", ""), "CRM API base URL")
	crmToken := fs.String("crm-token", env.str("CRMSEED_CRM_TOKEN", ""), "CRM static access token")
	crmClientID := fs.String("crm-client-id", env.str("CRMSEED_CRM_CLIENT_ID", ""), "CRM OAuth2 client id")
	crmClientSecret := fs.String("crm-client-secret", env.str("CRMSEED_CRM_CLIENT_SECRET", ""), "CRM OAuth2 client secret")
	crmTokenURL := fs.String("crm-token-url", env.str("CRMSEED_CRM_TOKEN_URL", ""), "CRM OAuth2 token URL")

	tokens := fs.String("tokens", env.str("CRMSEED_API_TOKENS", ""), "comma-separated operator bearer tokens")

	nodeID := fs.String("node-id", env.str("CRMSEED_NODE_ID", hostname), "leader election holder id; an http(s) URL lets followers redirect writes")
	leaseTTL := fs.Duration("lease-ttl", env.duration("CRMSEED_LEASE_TTL", defaultLeaseTTL), "leader lease TTL")

	archiveBackend := fs.String("archive", env.str("CRMSEED_ARCHIVE", "off"), "DLQ archive backend: off|local|minio")
	archiveDir := fs.String("archive-dir", env.str("CRMSEED_ARCHIVE_DIR", filepath.Join(cwd, "archive")), "local archive directory")
	minioEndpoint := fs.String("minio-endpoint", env.str("CRMSEED_MINIO_ENDPOINT", ""), "MinIO endpoint")
	minioAccessKey := fs.String("minio-access-key", env.str("CRMSEED_MINIO_ACCESS_KEY", ""), "MinIO access key")
	minioSecretKey := fs.String("minio-secret-key", env.str("CRMSEED_MINIO_SECRET_KEY", ""), "MinIO secret key")
	minioBucket := fs.String("minio-bucket", env.str("CRMSEED_MINIO_BUCKET", "crmseed-dlq"), "MinIO bucket")
	minioRegion := fs.String("minio-region", env.str("CRMSEED_MINIO_REGION", ""), "MinIO region")
	minioSSL := fs.Bool("minio-ssl", env.boolean("CRMSEED_MINIO_SSL", false), "use TLS for MinIO")
	retention := fs.Duration("retention", env.duration("CRMSEED_RETENTION", 7*24*time.Hour), "how long replayed dead letters are kept")

	if env.err != nil {
		return Config{}, env.err
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stdout)
			fs.PrintDefaults()
		}
		return Config{}, err
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}
	parsedPolicy, err := idempotency.ParsePolicy(*policy)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:              strings.TrimSpace(*addr),
		LogLevel:          level,
		TLSCert:           *tlsCert,
		TLSKey:            *tlsKey,
		DBDriver:          strings.TrimSpace(*dbDriver),
		DBDSN:             strings.TrimSpace(*dbDSN),
		RedisAddr:         strings.TrimSpace(*redisAddr),
		RedisPassword:     *redisPassword,
		RedisDB:           *redisDB,
		ClaimTTL:          *claimTTL,
		IdempotencyPolicy: parsedPolicy,
		BucketCapacity:    *bucketCapacity,
		BucketRefill:      *bucketRefill,
		BreakerThreshold:  *breakerThreshold,
		BreakerWindow:     *breakerWindow,
		BreakerCooldown:   *breakerCooldown,
		BackoffBase:       *backoffBase,
		BackoffMax:        *backoffMax,
		CallTimeout:       *callTimeout,
		CRMMode:           strings.ToLower(strings.TrimSpace(*crmMode)),
		CRMBaseURL:        strings.TrimSpace(*crmBaseURL),
		CRMToken:          *crmToken,
		CRMClientID:       *crmClientID,
		CRMClientSecret:   *crmClientSecret,
		CRMTokenURL:       *crmTokenURL,
		OperatorTokens:    splitTokens(*tokens),
		NodeID:            strings.TrimSpace(*nodeID),
		LeaseTTL:          *leaseTTL,
		ArchiveBackend:    strings.ToLower(strings.TrimSpace(*archiveBackend)),
		ArchiveDir:        resolvePath(*archiveDir, cwd),
		Minio: blob.MinioConfig{
			Endpoint:  *minioEndpoint,
			AccessKey: *minioAccessKey,
			SecretKey: *minioSecretKey,
			Bucket:    *minioBucket,
			Region:    *minioRegion,
			UseSSL:    *minioSSL,
		},
		Retention: *retention,
	}
	if cfg.DBDriver == store.DriverSQLite {
		cfg.DBDSN = resolvePath(cfg.DBDSN, cwd)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if err := (store.Config{Driver: c.DBDriver, DSN: c.DBDSN}).Validate(); err != nil {
		return err
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"claim ttl", c.ClaimTTL},
		{"breaker window", c.BreakerWindow},
		{"breaker cooldown", c.BreakerCooldown},
		{"backoff base", c.BackoffBase},
		{"backoff max", c.BackoffMax},
		{"call timeout", c.CallTimeout},
		{"lease ttl", c.LeaseTTL},
		{"retention", c.Retention},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if c.BackoffMax < c.BackoffBase {
		return errors.New("backoff max must be >= backoff base")
	}
	if c.BucketCapacity <= 0 || c.BucketRefill <= 0 {
		return errors.New("bucket capacity and refill must be positive")
	}
	if c.BreakerThreshold < 1 {
		return errors.New("breaker threshold must be >= 1")
	}
	if c.NodeID == "" {
		return errors.New("node id cannot be empty")
	}

	switch c.CRMMode {
	case "mock":
	case "http":
		if c.CRMBaseURL == "" {
			return errors.New("crm=http requires crm-url")
		}
		if c.CRMToken == "" && (c.CRMClientID == "" || c.CRMClientSecret == "" || c.CRMTokenURL == "") {
			return errors.New("crm=http requires crm-token or client credentials")
		}
	default:
		return fmt.Errorf("unsupported crm mode: %s", c.CRMMode)
	}

	switch c.ArchiveBackend {
	case "off", "local":
	case "minio":
		if err := c.Minio.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported archive backend: %s", c.ArchiveBackend)
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls-cert and tls-key must be set together")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func splitTokens(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("CRMSEED_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("CRMSEED_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) || strings.HasPrefix(trimmed, "file:") || trimmed == ":memory:" {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
