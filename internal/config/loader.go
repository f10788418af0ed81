package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "a2a.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "A2A_PORT")
	setString(&cfg.Server.BaseURL, "A2A_BASE_URL")
	setString(&cfg.Server.CORSOrigin, "A2A_CORS_ORIGIN")

	setString(&cfg.Logging.Level, "A2A_LOG_LEVEL")
	setString(&cfg.Logging.Service, "A2A_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "A2A_LOG_ASYNC")

	setString(&cfg.Agent.Name, "A2A_AGENT_NAME")
	setString(&cfg.Agent.Description, "A2A_AGENT_DESCRIPTION")
	setString(&cfg.Agent.Version, "A2A_AGENT_VERSION")

	setInt(&cfg.Broker.QueueSize, "A2A_BROKER_QUEUE_SIZE")
	setString(&cfg.Broker.Policy, "A2A_BROKER_POLICY")
	setDuration(&cfg.Broker.PublishTimeout, "A2A_BROKER_PUBLISH_TIMEOUT")
	setBool(&cfg.Broker.Durable, "A2A_BROKER_DURABLE")

	setInt(&cfg.Stream.ReplayDepth, "A2A_STREAM_REPLAY_DEPTH")
	setInt(&cfg.Stream.QueueSize, "A2A_STREAM_QUEUE_SIZE")
	setDuration(&cfg.Stream.HeartbeatInterval, "A2A_STREAM_HEARTBEAT_INTERVAL")

	setDuration(&cfg.Tasks.Retention, "A2A_TASK_RETENTION")
	setDuration(&cfg.Tasks.GCInterval, "A2A_TASK_GC_INTERVAL")
	setDuration(&cfg.Tasks.SendWait, "A2A_TASK_SEND_WAIT")
	setDuration(&cfg.Tasks.ArchiveRetention, "A2A_TASK_ARCHIVE_RETENTION")

	setDuration(&cfg.Worker.PollTimeout, "A2A_WORKER_POLL_TIMEOUT")
	setDuration(&cfg.Worker.LeaseTTL, "A2A_WORKER_LEASE_TTL")
	setDuration(&cfg.Worker.SweepInterval, "A2A_WORKER_SWEEP_INTERVAL")
	setInt(&cfg.Worker.MaxReassigns, "A2A_WORKER_MAX_REASSIGNS")
	setString(&cfg.Worker.SecretHash, "A2A_WORKER_SECRET_HASH")

	setInt64(&cfg.Router.MaxConcurrent, "A2A_ROUTER_MAX_CONCURRENT")

	setString(&cfg.MCP.Transport, "A2A_MCP_TRANSPORT")
	setString(&cfg.MCP.URL, "A2A_MCP_URL")
	setString(&cfg.MCP.Command, "A2A_MCP_COMMAND")
	setDuration(&cfg.MCP.CallTimeout, "A2A_MCP_CALL_TIMEOUT")
	setDuration(&cfg.MCP.ToolListTTL, "A2A_MCP_TOOL_LIST_TTL")

	setString(&cfg.NATS.URL, "NATS_URL")

	setBool(&cfg.Postgres.Enabled, "A2A_PG_ENABLED")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "A2A_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "A2A_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "A2A_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "A2A_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "A2A_PG_HEALTH_CHECK")

	setInt64(&cfg.Cache.L1MaxSizeMB, "A2A_CACHE_L1_SIZE_MB")

	setString(&cfg.Idempotency.Bucket, "A2A_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "A2A_IDEMPOTENCY_TTL")

	setFloat64(&cfg.Rate.RequestsPerSecond, "A2A_RATE_RPS")
	setInt(&cfg.Rate.Burst, "A2A_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "A2A_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "A2A_RATE_MAX_IDLE_TIME")

	setInt(&cfg.Breaker.MaxFailures, "A2A_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "A2A_BREAKER_TIMEOUT")

	setBool(&cfg.Telemetry.Enabled, "A2A_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "A2A_TELEMETRY_ENDPOINT")
	setFloat64(&cfg.Telemetry.SampleRate, "A2A_TELEMETRY_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Broker.QueueSize < 1 {
		return errors.New("broker.queue_size must be >= 1")
	}
	if cfg.Broker.Policy != "drop_oldest" && cfg.Broker.Policy != "block" {
		return errors.New("broker.policy must be drop_oldest or block")
	}
	if cfg.Broker.Durable && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when broker.durable is set")
	}
	if cfg.Stream.ReplayDepth < 0 {
		return errors.New("stream.replay_depth must be >= 0")
	}
	if cfg.Tasks.Retention <= 0 {
		return errors.New("tasks.retention must be positive")
	}
	if cfg.Tasks.ArchiveRetention < 0 {
		return errors.New("tasks.archive_retention must be >= 0")
	}
	if cfg.Worker.PollTimeout <= 0 {
		return errors.New("worker.poll_timeout must be positive")
	}
	if cfg.Worker.LeaseTTL <= 0 {
		return errors.New("worker.lease_ttl must be positive")
	}
	if cfg.Worker.MaxReassigns < 0 {
		return errors.New("worker.max_reassigns must be >= 0")
	}
	if cfg.Router.MaxConcurrent < 1 {
		return errors.New("router.max_concurrent must be >= 1")
	}
	if cfg.Postgres.Enabled && cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required when postgres.enabled is set")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	for i, a := range cfg.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
