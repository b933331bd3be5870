package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// SchemaVersion tracks the configuration schema version for migrations
const SchemaVersion = "1.0"

// Config holds all application configuration
type Config struct {
	// Schema Version (for config migration tracking)
	SchemaVersion string `env:"CONFIG_SCHEMA_VERSION" envDefault:"1.0" yaml:"schema_version"`

	// Server Configuration
	ProjectPath    string        `env:"PROJECT_PATH" envDefault:"." yaml:"project_path"`
	StdioMode      bool          `env:"STDIO_MODE" envDefault:"true" yaml:"stdio_mode"`
	MCPPort        int           `env:"MCP_PORT" envDefault:"8676" yaml:"mcp_port"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s" yaml:"request_timeout"`

	// Graceful Shutdown Configuration
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s" yaml:"shutdown_timeout"`

	// WebSocket/HTTP Server Configuration
	WebSocketPort int  `env:"WEBSOCKET_PORT" envDefault:"8675" yaml:"websocket_port"`
	HTTPEnabled   bool `env:"HTTP_ENABLED" envDefault:"false" yaml:"http_enabled"`
	HTTPPort      int  `env:"HTTP_PORT" envDefault:"8676" yaml:"http_port"`

	// Directory layout. Empty values are derived from ProjectPath at startup.
	ProgressDir string `env:"PROGRESS_DIR" yaml:"progress_dir"`
	StateDir    string `env:"STATE_DIR" yaml:"state_dir"`
	CacheDir    string `env:"CACHE_DIR" yaml:"cache_dir"`

	// Profiling Configuration
	PProfEnabled bool `env:"PPROF_ENABLED" envDefault:"false" yaml:"pprof_enabled"`
	PProfPort    int  `env:"PPROF_PORT" envDefault:"6060" yaml:"pprof_port"`

	// Rate Limiting Configuration
	RequestsPerMinute     int           `env:"REQUESTS_PER_MINUTE" envDefault:"30" yaml:"requests_per_minute"`
	RequestsPerHour       int           `env:"REQUESTS_PER_HOUR" envDefault:"300" yaml:"requests_per_hour"`
	MaxConcurrentJobs     int           `env:"MAX_CONCURRENT_JOBS" envDefault:"5" yaml:"max_concurrent_jobs"`
	MaxJobDuration        time.Duration `env:"MAX_JOB_DURATION" envDefault:"30m" yaml:"max_job_duration"`
	MaxFileSizeMB         int           `env:"MAX_FILE_SIZE_MB" envDefault:"100" yaml:"max_file_size_mb"`
	MaxProgressFiles      int           `env:"MAX_PROGRESS_FILES" envDefault:"1000" yaml:"max_progress_files"`
	MaxCacheEntries       int           `env:"MAX_CACHE_ENTRIES" envDefault:"10000" yaml:"max_cache_entries"`
	MaxStateHistory       int           `env:"MAX_STATE_HISTORY" envDefault:"100" yaml:"max_state_history"`
	ResourceCleanupPeriod time.Duration `env:"RESOURCE_CLEANUP_PERIOD" envDefault:"5m" yaml:"resource_cleanup_period"`

	// Input Validator Configuration
	MaxStringLength             int  `env:"MAX_STRING_LENGTH" envDefault:"10000" yaml:"max_string_length"`
	MaxProjectNameLength        int  `env:"MAX_PROJECT_NAME_LENGTH" envDefault:"255" yaml:"max_project_name_length"`
	MaxJobIDLength              int  `env:"MAX_JOB_ID_LENGTH" envDefault:"128" yaml:"max_job_id_length"`
	MaxCommandLength            int  `env:"MAX_COMMAND_LENGTH" envDefault:"1000" yaml:"max_command_length"`
	MaxJSONSize                 int  `env:"MAX_JSON_SIZE" envDefault:"1048576" yaml:"max_json_size"`
	MaxJSONDepth                int  `env:"MAX_JSON_DEPTH" envDefault:"10" yaml:"max_json_depth"`
	MaxValidationFailuresPerMin int  `env:"MAX_VALIDATION_FAILURES_PER_MINUTE" envDefault:"10" yaml:"max_validation_failures_per_minute"`
	AllowShellMetacharacters    bool `env:"ALLOW_SHELL_METACHARACTERS" envDefault:"false" yaml:"allow_shell_metacharacters"`
	StrictAlphanumericMode      bool `env:"STRICT_ALPHANUMERIC_MODE" envDefault:"false" yaml:"strict_alphanumeric_mode"`

	// WebSocket Security Configuration
	WSMaxMessageSize           int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"1048576" yaml:"ws_max_message_size"`
	WSMaxMessagesPerConnection int           `env:"WS_MAX_MESSAGES_PER_CONNECTION" envDefault:"10000" yaml:"ws_max_messages_per_connection"`
	WSMaxConcurrentConnections int           `env:"WS_MAX_CONCURRENT_CONNECTIONS" envDefault:"100" yaml:"ws_max_concurrent_connections"`
	WSMessagesPerSecond        int           `env:"WS_MESSAGES_PER_SECOND" envDefault:"100" yaml:"ws_messages_per_second"`
	WSAllowedOrigins           []string      `env:"WS_ALLOWED_ORIGINS" envDefault:"http://localhost,http://127.0.0.1,https://localhost,https://127.0.0.1" yaml:"ws_allowed_origins"`
	WSReceiveTimeout           time.Duration `env:"WS_RECEIVE_TIMEOUT" envDefault:"25s" yaml:"ws_receive_timeout"`
	WSSendTimeout              time.Duration `env:"WS_SEND_TIMEOUT" envDefault:"5s" yaml:"ws_send_timeout"`
	WSConnectionTimeout        time.Duration `env:"WS_CONNECTION_TIMEOUT" envDefault:"1h" yaml:"ws_connection_timeout"`

	// Batched Writer Configuration
	BatchDebounceDelay time.Duration `env:"BATCH_DEBOUNCE_DELAY" envDefault:"1s" yaml:"batch_debounce_delay"`
	BatchMaxSize       int           `env:"BATCH_MAX_SIZE" envDefault:"10" yaml:"batch_max_size"`

	// Progress Fan-out Configuration
	ProgressQueueSize   int           `env:"PROGRESS_QUEUE_SIZE" envDefault:"1000" yaml:"progress_queue_size"`
	ProgressPollPeriod  time.Duration `env:"PROGRESS_POLL_PERIOD" envDefault:"500ms" yaml:"progress_poll_period"`
	ProgressDebounce    time.Duration `env:"PROGRESS_DEBOUNCE" envDefault:"100ms" yaml:"progress_debounce"`
	ForcePollingMonitor bool          `env:"FORCE_POLLING_MONITOR" envDefault:"false" yaml:"force_polling_monitor"`

	// Status Collector Configuration
	StatusCollectorTimeout time.Duration `env:"STATUS_COLLECTOR_TIMEOUT" envDefault:"30s" yaml:"status_collector_timeout"`
	StatusLockTimeout      time.Duration `env:"STATUS_LOCK_TIMEOUT" envDefault:"5s" yaml:"status_lock_timeout"`
	StatusCacheTTL         time.Duration `env:"STATUS_CACHE_TTL" envDefault:"5s" yaml:"status_cache_ttl"`

	// Event Bridge Configuration (cross-process snapshot fan-out)
	BridgeEnabled    bool          `env:"BRIDGE_ENABLED" envDefault:"false" yaml:"bridge_enabled"`
	RedisHost        string        `env:"REDIS_HOST" envDefault:"localhost" yaml:"redis_host"`
	RedisPort        int           `env:"REDIS_PORT" envDefault:"6379" yaml:"redis_port"`
	RedisPassword    string        `env:"REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB          int           `env:"REDIS_DB" envDefault:"0" yaml:"redis_db"`
	RedisDialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s" yaml:"redis_dial_timeout"`
	RedisReadTimeout time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s" yaml:"redis_read_timeout"`

	// Feature Flags
	EnableMetrics      bool `env:"ENABLE_METRICS" envDefault:"true" yaml:"enable_metrics"`
	EnableAuditLogging bool `env:"ENABLE_AUDIT_LOGGING" envDefault:"true" yaml:"enable_audit_logging"`

	// Audit Logging Configuration
	AuditBufferSize int `env:"AUDIT_BUFFER_SIZE" envDefault:"1000" yaml:"audit_buffer_size"`
}

// Load reads configuration from environment variables, then applies the
// optional YAML overlay file (CONFIG_FILE). Keys named in the overlay win.
func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	if err := ValidateTimeout("SHUTDOWN_TIMEOUT", c.ShutdownTimeout, 5*time.Second, 5*time.Minute); err != nil {
		return err
	}
	if err := ValidateTimeout("REQUEST_TIMEOUT", c.RequestTimeout, 1*time.Second, 5*time.Minute); err != nil {
		return err
	}
	if err := ValidateTimeout("MAX_JOB_DURATION", c.MaxJobDuration, 1*time.Minute, 4*time.Hour); err != nil {
		return err
	}

	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("REQUESTS_PER_MINUTE must be at least 1, got %d", c.RequestsPerMinute)
	}
	if c.RequestsPerHour < c.RequestsPerMinute {
		return fmt.Errorf("REQUESTS_PER_HOUR (%d) cannot be below REQUESTS_PER_MINUTE (%d)",
			c.RequestsPerHour, c.RequestsPerMinute)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1, got %d", c.MaxConcurrentJobs)
	}
	if c.MaxConcurrentJobs > 100 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at most 100, got %d", c.MaxConcurrentJobs)
	}
	if c.MaxFileSizeMB < 1 {
		return fmt.Errorf("MAX_FILE_SIZE_MB must be at least 1, got %d", c.MaxFileSizeMB)
	}
	if c.MaxProgressFiles < 1 {
		return fmt.Errorf("MAX_PROGRESS_FILES must be at least 1, got %d", c.MaxProgressFiles)
	}

	if c.MaxJSONDepth < 1 {
		return fmt.Errorf("MAX_JSON_DEPTH must be at least 1, got %d", c.MaxJSONDepth)
	}
	if c.MaxJSONSize < 1 {
		return fmt.Errorf("MAX_JSON_SIZE must be at least 1, got %d", c.MaxJSONSize)
	}
	if c.MaxJobIDLength < 1 || c.MaxJobIDLength > 1024 {
		return fmt.Errorf("MAX_JOB_ID_LENGTH must be between 1 and 1024, got %d", c.MaxJobIDLength)
	}

	if c.WSMaxMessageSize < 1 {
		return fmt.Errorf("WS_MAX_MESSAGE_SIZE must be at least 1, got %d", c.WSMaxMessageSize)
	}
	if c.WSMaxConcurrentConnections < 1 {
		return fmt.Errorf("WS_MAX_CONCURRENT_CONNECTIONS must be at least 1, got %d", c.WSMaxConcurrentConnections)
	}
	if c.WSMaxMessagesPerConnection < 1 {
		return fmt.Errorf("WS_MAX_MESSAGES_PER_CONNECTION must be at least 1, got %d", c.WSMaxMessagesPerConnection)
	}
	if len(c.WSAllowedOrigins) == 0 {
		return fmt.Errorf("WS_ALLOWED_ORIGINS must not be empty")
	}

	if c.BatchMaxSize < 1 {
		return fmt.Errorf("BATCH_MAX_SIZE must be at least 1, got %d", c.BatchMaxSize)
	}
	if c.BatchDebounceDelay < 10*time.Millisecond {
		return fmt.Errorf("BATCH_DEBOUNCE_DELAY must be at least 10ms, got %v", c.BatchDebounceDelay)
	}

	if c.ProgressQueueSize < 1 {
		return fmt.Errorf("PROGRESS_QUEUE_SIZE must be at least 1, got %d", c.ProgressQueueSize)
	}
	if c.ProgressPollPeriod < 50*time.Millisecond {
		return fmt.Errorf("PROGRESS_POLL_PERIOD must be at least 50ms, got %v", c.ProgressPollPeriod)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error, got %s", c.LogLevel)
	}

	if c.AuditBufferSize < 100 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be at least 100, got %d", c.AuditBufferSize)
	}
	if c.AuditBufferSize > 10000 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be at most 10000, got %d", c.AuditBufferSize)
	}

	return nil
}

// ValidateTimeout validates a timeout is within acceptable bounds
func ValidateTimeout(name string, value, min, max time.Duration) error {
	if value < min {
		return fmt.Errorf("%s must be at least %v, got %v", name, min, value)
	}
	if value > max {
		return fmt.Errorf("%s must be at most %v, got %v", name, max, value)
	}
	return nil
}

// RedisAddr returns the Redis connection address for the event bridge
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// MaxFileSizeBytes returns the progress file size cap in bytes
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// Masked returns a copy of the config with sensitive values masked
func (c *Config) Masked() *Config {
	masked := *c
	if masked.RedisPassword != "" {
		masked.RedisPassword = "***"
	}
	return &masked
}
