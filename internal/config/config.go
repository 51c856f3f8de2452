// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures a single store endpoint (primary or secondary).
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	TLS                bool          `mapstructure:"tls"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// StoreConfig describes the resilient store client: a primary endpoint
// (TLS, rate-limited) with an optional secondary fallback (plain
// transport), plus the circuit breaker and health-probe tunables that
// govern failover between them.
type StoreConfig struct {
	Primary           Redis          `mapstructure:"primary"`
	Secondary         Redis          `mapstructure:"secondary"`
	FallbackEnabled   bool           `mapstructure:"fallback_enabled"`
	RateLimitCooldown time.Duration  `mapstructure:"rate_limit_cooldown"`
	HealthProbeEvery  time.Duration  `mapstructure:"health_probe_every"`
	CircuitBreaker    CircuitBreaker `mapstructure:"circuit_breaker"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Queues holds the default and per-class stream name patterns.
type Queues struct {
	JobsStream       string `mapstructure:"jobs_stream"`
	ClassJobsPattern string `mapstructure:"class_jobs_pattern"` // "<class>:jobs"
	ClassDeadPattern string `mapstructure:"class_dead_pattern"` // "<class>:dead"
	WorkerStatus     string `mapstructure:"worker_status"`
	ScalingEvents    string `mapstructure:"scaling_events"`
	HeartbeatPattern string `mapstructure:"heartbeat_pattern"` // "worker:heartbeat:<id>"
}

// WorkerClassConfig is one entry of the per-class scaling policy.
type WorkerClassConfig struct {
	Name                string        `mapstructure:"name"`
	Enabled             bool          `mapstructure:"enabled"`
	MinReplicas         int           `mapstructure:"min_replicas"`
	MaxReplicas         int           `mapstructure:"max_replicas"`
	ScaleUpThreshold    int64         `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold  int64         `mapstructure:"scale_down_threshold"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	QueueName           string        `mapstructure:"queue_name"`
	ConsumerGroup       string        `mapstructure:"consumer_group"`
	StepDown            int           `mapstructure:"step_down"`
	ReclaimMinIdle      time.Duration `mapstructure:"reclaim_min_idle"`
	OldestPendingAgeMax time.Duration `mapstructure:"oldest_pending_age_max"`
}

// Worker configures a single worker process's runtime.
type Worker struct {
	Class              string        `mapstructure:"class"`
	Concurrency        int           `mapstructure:"concurrency"`
	MaxRetries         int           `mapstructure:"max_retries"`
	MaxTasksPerChild   int           `mapstructure:"max_tasks_per_child"`
	Backoff            Backoff       `mapstructure:"backoff"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	BlockTimeout       time.Duration `mapstructure:"block_timeout"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	ErrorBackoffBase   time.Duration `mapstructure:"error_backoff_base"`
	ErrorBackoffMax    time.Duration `mapstructure:"error_backoff_max"`
	MaxConsecutiveErrs int           `mapstructure:"max_consecutive_errors"`
}

// Scaling configures the autoscaler loop and the selected backend.
type Scaling struct {
	CheckInterval time.Duration                `mapstructure:"check_interval"`
	Orchestrator  string                       `mapstructure:"orchestrator"` // container|cluster|cloud
	Classes       map[string]WorkerClassConfig `mapstructure:"classes"`
	Container     ContainerBackend             `mapstructure:"container"`
	Cluster       ClusterBackend               `mapstructure:"cluster"`
	Cloud         CloudBackend                 `mapstructure:"cloud"`
	EventsSubject string                       `mapstructure:"events_subject"`
	NATSURL       string                       `mapstructure:"nats_url"`
}

type ContainerBackend struct {
	DockerHost    string `mapstructure:"docker_host"`
	Image         string `mapstructure:"image"`
	LabelSelector string `mapstructure:"label_selector"`
	NetworkName   string `mapstructure:"network_name"`
}

type ClusterBackend struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`
}

type CloudBackend struct {
	Region           string `mapstructure:"region"`
	AutoScalingGroup string `mapstructure:"auto_scaling_group"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ArchiveConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DSN          string        `mapstructure:"dsn"`
	Database     string        `mapstructure:"database"`
	Table        string        `mapstructure:"table"`
	FlushEvery   time.Duration `mapstructure:"flush_every"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
	DeploymentEnv       string        `mapstructure:"deployment_env"`
	Region              string        `mapstructure:"region"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

type Config struct {
	Store         StoreConfig   `mapstructure:"store"`
	Queues        Queues        `mapstructure:"queues"`
	Worker        Worker        `mapstructure:"worker"`
	Scaling       Scaling       `mapstructure:"scaling"`
	Observability Observability `mapstructure:"observability"`
	Archive       ArchiveConfig `mapstructure:"archive"`
}

func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Primary: Redis{
				Addr:               "localhost:6379",
				TLS:                true,
				PoolSizeMultiplier: 10,
				MinIdleConns:       5,
				DialTimeout:        5 * time.Second,
				ReadTimeout:        3 * time.Second,
				WriteTimeout:       3 * time.Second,
				MaxRetries:         3,
			},
			Secondary: Redis{
				Addr:               "localhost:6380",
				PoolSizeMultiplier: 10,
				MinIdleConns:       5,
				DialTimeout:        5 * time.Second,
				ReadTimeout:        3 * time.Second,
				WriteTimeout:       3 * time.Second,
				MaxRetries:         3,
			},
			FallbackEnabled:   true,
			RateLimitCooldown: 5 * time.Minute,
			HealthProbeEvery:  30 * time.Second,
			CircuitBreaker: CircuitBreaker{
				FailureThreshold: 0.5,
				Window:           1 * time.Minute,
				CooldownPeriod:   60 * time.Second,
				MinSamples:       5,
			},
		},
		Queues: Queues{
			JobsStream:       "jobs",
			ClassJobsPattern: "%s:jobs",
			ClassDeadPattern: "%s:dead",
			WorkerStatus:     "worker:status",
			ScalingEvents:    "scaling:events",
			HeartbeatPattern: "worker:heartbeat:%s",
		},
		Worker: Worker{
			Class:              "default",
			Concurrency:        4,
			MaxRetries:         3,
			MaxTasksPerChild:   1000,
			Backoff:            Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			HeartbeatInterval:  30 * time.Second,
			BlockTimeout:       1 * time.Second,
			ShutdownGrace:      30 * time.Second,
			ErrorBackoffBase:   1 * time.Second,
			ErrorBackoffMax:    30 * time.Second,
			MaxConsecutiveErrs: 3,
		},
		Scaling: Scaling{
			CheckInterval: 30 * time.Second,
			Orchestrator:  "container",
			Classes:       map[string]WorkerClassConfig{},
			EventsSubject: "taskctl.scaling.events",
		},
		Observability: Observability{
			MetricsPort:         9100,
			LogLevel:            "info",
			LogFormat:           "json",
			DeploymentEnv:       "development",
			QueueSampleInterval: 2 * time.Second,
			Tracing:             Tracing{Enabled: false},
		},
		Archive: ArchiveConfig{
			Enabled:      false,
			Table:        "taskctl_archive",
			FlushEvery:   10 * time.Second,
			BatchSize:    500,
			MaxOpenConns: 5,
			MaxRetries:   3,
			RetryDelay:   time.Second,
		},
	}
}

// Load reads configuration from a YAML file (optional) layered with
// environment variable overrides: file values as the baseline, then the
// flat env vars (STORE_URL, WORKER_CLASS, ...) win.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("store.primary.addr", def.Store.Primary.Addr)
	v.SetDefault("store.primary.tls", def.Store.Primary.TLS)
	v.SetDefault("store.primary.pool_size_multiplier", def.Store.Primary.PoolSizeMultiplier)
	v.SetDefault("store.primary.min_idle_conns", def.Store.Primary.MinIdleConns)
	v.SetDefault("store.primary.dial_timeout", def.Store.Primary.DialTimeout)
	v.SetDefault("store.primary.read_timeout", def.Store.Primary.ReadTimeout)
	v.SetDefault("store.primary.write_timeout", def.Store.Primary.WriteTimeout)
	v.SetDefault("store.primary.max_retries", def.Store.Primary.MaxRetries)
	v.SetDefault("store.secondary.addr", def.Store.Secondary.Addr)
	v.SetDefault("store.fallback_enabled", def.Store.FallbackEnabled)
	v.SetDefault("store.rate_limit_cooldown", def.Store.RateLimitCooldown)
	v.SetDefault("store.health_probe_every", def.Store.HealthProbeEvery)
	v.SetDefault("store.circuit_breaker.failure_threshold", def.Store.CircuitBreaker.FailureThreshold)
	v.SetDefault("store.circuit_breaker.window", def.Store.CircuitBreaker.Window)
	v.SetDefault("store.circuit_breaker.cooldown_period", def.Store.CircuitBreaker.CooldownPeriod)
	v.SetDefault("store.circuit_breaker.min_samples", def.Store.CircuitBreaker.MinSamples)

	v.SetDefault("queues.jobs_stream", def.Queues.JobsStream)
	v.SetDefault("queues.class_jobs_pattern", def.Queues.ClassJobsPattern)
	v.SetDefault("queues.class_dead_pattern", def.Queues.ClassDeadPattern)
	v.SetDefault("queues.worker_status", def.Queues.WorkerStatus)
	v.SetDefault("queues.scaling_events", def.Queues.ScalingEvents)
	v.SetDefault("queues.heartbeat_pattern", def.Queues.HeartbeatPattern)

	v.SetDefault("worker.class", def.Worker.Class)
	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.max_tasks_per_child", def.Worker.MaxTasksPerChild)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.heartbeat_interval", def.Worker.HeartbeatInterval)
	v.SetDefault("worker.block_timeout", def.Worker.BlockTimeout)
	v.SetDefault("worker.shutdown_grace", def.Worker.ShutdownGrace)
	v.SetDefault("worker.error_backoff_base", def.Worker.ErrorBackoffBase)
	v.SetDefault("worker.error_backoff_max", def.Worker.ErrorBackoffMax)
	v.SetDefault("worker.max_consecutive_errors", def.Worker.MaxConsecutiveErrs)

	v.SetDefault("scaling.check_interval", def.Scaling.CheckInterval)
	v.SetDefault("scaling.orchestrator", def.Scaling.Orchestrator)
	v.SetDefault("scaling.events_subject", def.Scaling.EventsSubject)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_format", def.Observability.LogFormat)
	v.SetDefault("observability.deployment_env", def.Observability.DeploymentEnv)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("archive.enabled", def.Archive.Enabled)
	v.SetDefault("archive.table", def.Archive.Table)
	v.SetDefault("archive.flush_every", def.Archive.FlushEvery)
	v.SetDefault("archive.batch_size", def.Archive.BatchSize)
	v.SetDefault("archive.max_open_conns", def.Archive.MaxOpenConns)
	v.SetDefault("archive.max_retries", def.Archive.MaxRetries)
	v.SetDefault("archive.retry_delay", def.Archive.RetryDelay)
}

// applyEnvOverrides handles the flat process env vars that don't map
// onto viper's dotted keys (the worker binary's documented surface).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STORE_URL"); v != "" {
		cfg.Store.Primary.Addr = v
	}
	if v := os.Getenv("STORE_FALLBACK_URL"); v != "" {
		cfg.Store.Secondary.Addr = v
	}
	if v := os.Getenv("STORE_FALLBACK_ENABLED"); v != "" {
		cfg.Store.FallbackEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Observability.MetricsPort = port
		}
	}
	if v := os.Getenv("DEPLOYMENT_ENV"); v != "" {
		cfg.Observability.DeploymentEnv = v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.Observability.Region = v
	}
	if v := os.Getenv("WORKER_CLASS"); v != "" {
		cfg.Worker.Class = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("MAX_TASKS_PER_CHILD"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Worker.MaxTasksPerChild = n
		}
	}
}

// Validate checks config constraints, returning a configuration error
// (exit code 1) when violated.
func Validate(cfg *Config) error {
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if cfg.Worker.HeartbeatInterval < time.Second {
		return fmt.Errorf("worker.heartbeat_interval must be >= 1s")
	}
	if cfg.Worker.BlockTimeout <= 0 {
		return fmt.Errorf("worker.block_timeout must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	for name, class := range cfg.Scaling.Classes {
		if class.MinReplicas < 0 {
			return fmt.Errorf("scaling.classes.%s.min_replicas must be >= 0", name)
		}
		if class.MaxReplicas < class.MinReplicas {
			return fmt.Errorf("scaling.classes.%s.max_replicas must be >= min_replicas", name)
		}
		if class.QueueName == "" {
			return fmt.Errorf("scaling.classes.%s.queue_name must be set", name)
		}
	}
	switch cfg.Scaling.Orchestrator {
	case "container", "cluster", "cloud":
	default:
		return fmt.Errorf("scaling.orchestrator must be one of container|cluster|cloud, got %q", cfg.Scaling.Orchestrator)
	}
	return nil
}

// HeartbeatKey renders the per-worker heartbeat hash key.
func (c *Config) HeartbeatKey(workerID string) string {
	return fmt.Sprintf(c.Queues.HeartbeatPattern, workerID)
}

// ClassJobsStream renders the stream name for a worker class.
func (c *Config) ClassJobsStream(class string) string {
	return fmt.Sprintf(c.Queues.ClassJobsPattern, class)
}

// ClassDeadStream renders the dead-letter stream name for a worker class.
func (c *Config) ClassDeadStream(class string) string {
	return fmt.Sprintf(c.Queues.ClassDeadPattern, class)
}
