package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mediaforge/jobforge/pkg/models"
)

// Config holds all configuration for the jobforge server and worker binaries.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Media    MediaConfig
	Provider ProviderConfig
	Webhook  WebhookConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig holds the lifecycle policy shared by server and workers.
type QueueConfig struct {
	MaxAttempts int

	// ReclaimWindow is how long a claimed job stays locked out before a
	// crashed worker's job becomes reclaimable.
	ReclaimWindow time.Duration

	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	// KeepaliveTTL is how long a client's status poll keeps a
	// keepalive-required job alive.
	KeepaliveTTL time.Duration
	// KeepaliveGrace is how old a job must be before the reaper will
	// consider it abandoned (covers clients that never polled once).
	KeepaliveGrace         time.Duration
	KeepaliveSweepInterval time.Duration
}

// WorkerConfig describes one worker process and its claim capabilities.
type WorkerConfig struct {
	Name    string
	Cluster string

	// JobTypes this worker is configured to execute. Jobs of other types are
	// never claimed by this worker.
	JobTypes []models.JobType

	// RoutingTag restricts this worker to jobs carrying the same tag.
	// Workers without a tag only claim untagged jobs.
	RoutingTag string

	IsDebugWorker bool

	// MinimumPriority > 0 makes this a dedicated high-priority worker.
	MinimumPriority int

	Concurrency  int
	BatchSize    int
	PollInterval time.Duration

	// Every Nth claim ignores priority ordering so low-priority jobs are not
	// starved indefinitely.
	StarvationEveryNth int

	// Local execution settings for subprocess strategies. Each job type's
	// runtime lives at <ScriptsDir>/<job_type>.py.
	ExecBin     string
	ExecTimeout time.Duration
	WorkDir     string
	ScriptsDir  string

	PollerInterval time.Duration
}

// MediaConfig holds the shared media store location. Workers stage inputs
// from it and publish artifacts to it; the server stores webhook results
// fetched from the provider.
type MediaConfig struct {
	Root string
}

// ProviderConfig configures the third-party generation API client used by
// remote strategies.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// WebhookConfig configures inbound provider webhook authentication.
type WebhookConfig struct {
	Secret string
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value is
// missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("JOBFORGE_PORT", 8080),
			Env:  envString("JOBFORGE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			MaxAttempts:            envInt("JOBFORGE_MAX_ATTEMPTS", 3),
			ReclaimWindow:          envDuration("JOBFORGE_RECLAIM_WINDOW", 5*time.Minute),
			RetryInitialBackoff:    envDuration("JOBFORGE_RETRY_INITIAL_BACKOFF", 30*time.Second),
			RetryMaxBackoff:        envDuration("JOBFORGE_RETRY_MAX_BACKOFF", 10*time.Minute),
			KeepaliveTTL:           envDuration("JOBFORGE_KEEPALIVE_TTL", 3*time.Minute),
			KeepaliveGrace:         envDuration("JOBFORGE_KEEPALIVE_GRACE", 5*time.Minute),
			KeepaliveSweepInterval: envDuration("JOBFORGE_KEEPALIVE_SWEEP_INTERVAL", time.Minute),
		},
		Worker: WorkerConfig{
			Name:               envString("JOBFORGE_WORKER_NAME", hostnameOrDefault()),
			Cluster:            envString("JOBFORGE_WORKER_CLUSTER", "default"),
			JobTypes:           envJobTypes("JOBFORGE_WORKER_JOB_TYPES"),
			RoutingTag:         os.Getenv("JOBFORGE_WORKER_ROUTING_TAG"),
			IsDebugWorker:      envBool("JOBFORGE_WORKER_DEBUG", false),
			MinimumPriority:    envInt("JOBFORGE_WORKER_MINIMUM_PRIORITY", 0),
			Concurrency:        envInt("JOBFORGE_WORKER_CONCURRENCY", 1),
			BatchSize:          envInt("JOBFORGE_WORKER_BATCH_SIZE", 5),
			PollInterval:       envDuration("JOBFORGE_WORKER_POLL_INTERVAL", 2*time.Second),
			StarvationEveryNth: envInt("JOBFORGE_WORKER_STARVATION_EVERY_NTH", 10),
			ExecBin:            envString("JOBFORGE_WORKER_EXEC_BIN", "python3"),
			ExecTimeout:        envDuration("JOBFORGE_WORKER_EXEC_TIMEOUT", 10*time.Minute),
			WorkDir:            envString("JOBFORGE_WORKER_WORK_DIR", os.TempDir()),
			ScriptsDir:         envString("JOBFORGE_WORKER_SCRIPTS_DIR", "scripts"),
			PollerInterval:     envDuration("JOBFORGE_WORKER_POLLER_INTERVAL", 15*time.Second),
		},
		Media: MediaConfig{
			Root: envString("JOBFORGE_MEDIA_ROOT", os.TempDir()),
		},
		Provider: ProviderConfig{
			BaseURL: os.Getenv("PROVIDER_BASE_URL"),
			APIKey:  os.Getenv("PROVIDER_API_KEY"),
			Timeout: envDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			Secret: os.Getenv("WEBHOOK_SECRET"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("JOBFORGE_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// ValidateWorker performs the extra checks only the worker binary needs.
func (c *Config) ValidateWorker() error {
	if c.Worker.Name == "" {
		return fmt.Errorf("JOBFORGE_WORKER_NAME is required")
	}
	if len(c.Worker.JobTypes) == 0 {
		return fmt.Errorf("JOBFORGE_WORKER_JOB_TYPES is required (comma-separated job types)")
	}
	for _, jt := range c.Worker.JobTypes {
		if jt == models.JobTypeSoraImage && c.Provider.BaseURL == "" {
			return fmt.Errorf("PROVIDER_BASE_URL is required when worker serves %q", jt)
		}
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("JOBFORGE_WORKER_CONCURRENCY must be at least 1")
	}
	return nil
}

// ValidateServer performs the extra checks only the API server needs.
func (c *Config) ValidateServer() error {
	if c.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	return nil
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envJobTypes(key string) []models.JobType {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []models.JobType
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, models.JobType(part))
		}
	}
	return out
}
