package ddi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"otad/services/session"
)

// Artifact backends selectable through ARTIFACT_BACKEND.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendS3     = "s3"
)

// Config holds runtime configuration for the DDI server.
type Config struct {
	Addr       string `env:"ADDR,default=:8080"`
	PublicURL  string `env:"PUBLIC_URL"`
	DBDSN      string `env:"DB_DSN"`
	NATSURL    string `env:"NATS_URL"`
	WebhookURL string `env:"WEBHOOK_URL"`
	RedisAddr  string `env:"REDIS_ADDR"`

	ArtifactBackend string        `env:"ARTIFACT_BACKEND,default=memory"`
	ArtifactDir     string        `env:"ARTIFACT_DIR,default=./data/artifacts"`
	S3Bucket        string        `env:"S3_BUCKET"`
	ArtifactPresign bool          `env:"ARTIFACT_PRESIGN,default=false"`
	PresignTTL      time.Duration `env:"ARTIFACT_PRESIGN_TTL,default=15m"`

	PollBaseInterval time.Duration `env:"POLL_BASE_INTERVAL,default=10s"`
	PollMinInterval  time.Duration `env:"POLL_MIN_INTERVAL,default=2s"`
	PollMaxBackoff   time.Duration `env:"POLL_MAX_BACKOFF,default=5m"`
	PollRateLimit    int           `env:"POLL_RATE_LIMIT,default=120"`

	AssignmentExpiry time.Duration `env:"ASSIGNMENT_EXPIRY,default=30m"`
	ReapInterval     time.Duration `env:"REAP_INTERVAL,default=1m"`

	CatalogDir      string        `env:"CATALOG_DIR"`
	CatalogInterval time.Duration `env:"CATALOG_INTERVAL,default=30s"`

	StorageMaxAttempts uint `env:"STORAGE_MAX_ATTEMPTS,default=4"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,default=60s"`
	TransferTimeout time.Duration `env:"ARTIFACT_TRANSFER_TIMEOUT,default=1h"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith resolves the configuration through l.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	c.ArtifactBackend = strings.ToLower(strings.TrimSpace(c.ArtifactBackend))
	switch c.ArtifactBackend {
	case BackendMemory, BackendFS:
	case BackendS3:
		if strings.TrimSpace(c.S3Bucket) == "" {
			return fmt.Errorf("S3_BUCKET is required when ARTIFACT_BACKEND=%s", BackendS3)
		}
	default:
		return fmt.Errorf("unknown ARTIFACT_BACKEND %q", c.ArtifactBackend)
	}
	if c.ArtifactPresign && c.ArtifactBackend != BackendS3 {
		return fmt.Errorf("ARTIFACT_PRESIGN requires ARTIFACT_BACKEND=%s", BackendS3)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.TransferTimeout < 0 {
		return fmt.Errorf("ARTIFACT_TRANSFER_TIMEOUT must not be negative")
	}
	if c.StorageMaxAttempts == 0 {
		return fmt.Errorf("STORAGE_MAX_ATTEMPTS must be positive")
	}
	c.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	return nil
}

// SessionPolicy returns the polling backoff policy.
func (c Config) SessionPolicy() session.Policy {
	return session.Policy{Base: c.PollBaseInterval, MinInterval: c.PollMinInterval, Max: c.PollMaxBackoff}
}
