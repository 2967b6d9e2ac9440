package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	dbconfig "pigeon/pkg/database"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic.
// Sections are values so go-env can walk into them; a variable that is not
// set leaves the field untouched, which makes env an overlay on defaults.
type Config struct {
	LogLevel    string            `json:"log_level" env:"PIGEON_LOG_LEVEL"`
	Database    DatabaseConfig    `json:"database"`
	HTTP        HTTPConfig        `json:"http"`
	WebSocket   WebSocketConfig   `json:"websocket"`
	Hub         HubConfig         `json:"hub"`
	Transaction TransactionConfig `json:"transaction"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Service     ServiceConfig     `json:"service"`
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite for development and MySQL for production
type DatabaseConfig struct {
	Driver         string        `json:"driver" env:"PIGEON_DATABASE_DRIVER"`
	Path           string        `json:"path" env:"PIGEON_DATABASE_PATH"`
	DSN            string        `json:"dsn" env:"PIGEON_DATABASE_DSN"`
	MaxConnections int           `json:"max_connections" env:"PIGEON_DATABASE_MAX_CONNECTIONS"`
	Timeout        time.Duration `json:"timeout" env:"PIGEON_DATABASE_TIMEOUT"`
	BusyTimeout    time.Duration `json:"busy_timeout" env:"PIGEON_DATABASE_BUSY_TIMEOUT"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Port         int           `json:"port" env:"PIGEON_HTTP_PORT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"PIGEON_HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"PIGEON_HTTP_WRITE_TIMEOUT"`
	Host         string        `json:"host" env:"PIGEON_HTTP_HOST"`
}

// WebSocketConfig tunes the client sockets
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval" env:"PIGEON_WEBSOCKET_PING_INTERVAL"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"PIGEON_WEBSOCKET_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"PIGEON_WEBSOCKET_WRITE_TIMEOUT"`
	BufferSize   int           `json:"buffer_size" env:"PIGEON_WEBSOCKET_BUFFER_SIZE"`
	ReadLimit    int64         `json:"read_limit" env:"PIGEON_WEBSOCKET_READ_LIMIT"`
}

// HubConfig sizes the worker pool
type HubConfig struct {
	Workers   int `json:"workers" env:"PIGEON_HUB_WORKERS"`
	QueueSize int `json:"queue_size" env:"PIGEON_HUB_QUEUE_SIZE"`
}

// TransactionConfig is the retry policy of transient database failures
type TransactionConfig struct {
	MaxAttempts int           `json:"max_attempts" env:"PIGEON_TRANSACTION_MAX_ATTEMPTS"`
	BaseDelay   time.Duration `json:"base_delay" env:"PIGEON_TRANSACTION_BASE_DELAY"`
	MaxDelay    time.Duration `json:"max_delay" env:"PIGEON_TRANSACTION_MAX_DELAY"`
}

// RateLimitConfig bounds requests per session; zero Requests disables it
type RateLimitConfig struct {
	Requests int           `json:"requests" env:"PIGEON_RATE_LIMIT_REQUESTS"`
	Window   time.Duration `json:"window" env:"PIGEON_RATE_LIMIT_WINDOW"`
}

// ServiceConfig holds workflow limits
type ServiceConfig struct {
	TokenTTL        time.Duration `json:"token_ttl" env:"PIGEON_SERVICE_TOKEN_TTL"`
	MaxReadMessages int           `json:"max_read_messages" env:"PIGEON_SERVICE_MAX_READ_MESSAGES"`
	BcryptCost      int           `json:"bcrypt_cost" env:"PIGEON_SERVICE_BCRYPT_COST"`
	RequestTimeout  time.Duration `json:"request_timeout" env:"PIGEON_SERVICE_REQUEST_TIMEOUT"`
	TaskTimeout     time.Duration `json:"task_timeout" env:"PIGEON_SERVICE_TASK_TIMEOUT"`

	// LocationInterval paces the position broadcasts of location share rooms
	LocationInterval time.Duration `json:"location_interval" env:"PIGEON_SERVICE_LOCATION_INTERVAL"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults
// Database on local filesystem, HTTP on standard port, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		Database: DatabaseConfig{
			Driver:         dbconfig.DriverSQLite,
			Path:           "./data/pigeon.db",
			MaxConnections: 10,
			Timeout:        30 * time.Second,
			BusyTimeout:    5 * time.Second,
		},
		HTTP: HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
			ReadLimit:    64 * 1024,
		},
		Hub: HubConfig{
			Workers:   32,
			QueueSize: 4096,
		},
		Transaction: TransactionConfig{
			MaxAttempts: 3,
			BaseDelay:   20 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Requests: 100,
			Window:   time.Minute,
		},
		Service: ServiceConfig{
			TokenTTL:        30 * 24 * time.Hour,
			MaxReadMessages: 100,
			BcryptCost:      10,
			RequestTimeout:  30 * time.Second,
			TaskTimeout:     30 * time.Second,

			LocationInterval: time.Second,
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if err := c.DatabaseConfig().Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}

	// port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	// TECHNICAL DISCOVERY: a pong must be able to arrive before the read deadline
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}

	if c.Hub.Workers <= 0 {
		return errors.New("hub workers must be positive")
	}
	if c.Hub.QueueSize < 0 {
		return errors.New("hub queue size cannot be negative")
	}

	if c.Transaction.MaxAttempts <= 0 {
		return errors.New("transaction max attempts must be positive")
	}
	if c.Transaction.BaseDelay < 0 || c.Transaction.MaxDelay < c.Transaction.BaseDelay {
		return errors.New("transaction delays must satisfy 0 <= base <= max")
	}

	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}

	if c.Service.TokenTTL <= 0 {
		return errors.New("token TTL must be positive")
	}
	if c.Service.MaxReadMessages <= 0 {
		return errors.New("max read messages must be positive")
	}
	if c.Service.BcryptCost < 4 || c.Service.BcryptCost > 31 {
		return errors.New("bcrypt cost must be between 4 and 31")
	}
	if c.Service.RequestTimeout <= 0 || c.Service.TaskTimeout <= 0 {
		return errors.New("service timeouts must be positive")
	}
	if c.Service.LocationInterval <= 0 {
		return errors.New("location broadcast interval must be positive")
	}
	return nil
}

// DatabaseConfig builds the pool configuration of the database section
func (c *Config) DatabaseConfig() *dbconfig.Config {
	db := dbconfig.DefaultConfig()
	db.Driver = c.Database.Driver
	db.DatabasePath = c.Database.Path
	db.DSN = c.Database.DSN
	db.MaxConnections = c.Database.MaxConnections
	db.BusyTimeout = c.Database.BusyTimeout
	if c.Database.Timeout > 0 {
		db.ConnMaxIdleTime = c.Database.Timeout
	}
	return db
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility.
// Optional dotenv files are loaded first; variables already set win over them.
func LoadFromEnv(dotenvFiles ...string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config, dotenvFiles...); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config, dotenvFiles ...string) error {
	for _, file := range dotenvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	if _, err := env.UnmarshalFromEnviron(config); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings;
// absent keys keep their current value
type ConfigFile struct {
	LogLevel    string                 `json:"log_level"`
	Database    *DatabaseConfigFile    `json:"database"`
	HTTP        *HTTPConfigFile        `json:"http"`
	WebSocket   *WebSocketConfigFile   `json:"websocket"`
	Hub         *HubConfig             `json:"hub"`
	Transaction *TransactionConfigFile `json:"transaction"`
	RateLimit   *RateLimitConfigFile   `json:"rate_limit"`
	Service     *ServiceConfigFile     `json:"service"`
}

type DatabaseConfigFile struct {
	Driver         string `json:"driver"`
	Path           string `json:"path"`
	DSN            string `json:"dsn"`
	MaxConnections int    `json:"max_connections"`
	Timeout        string `json:"timeout"`
	BusyTimeout    string `json:"busy_timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
	ReadLimit    int64  `json:"read_limit"`
}

type TransactionConfigFile struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay"`
	MaxDelay    string `json:"max_delay"`
}

type RateLimitConfigFile struct {
	Requests *int   `json:"requests"`
	Window   string `json:"window"`
}

type ServiceConfigFile struct {
	TokenTTL        string `json:"token_ttl"`
	MaxReadMessages int    `json:"max_read_messages"`
	BcryptCost      int    `json:"bcrypt_cost"`
	RequestTimeout  string `json:"request_timeout"`
	TaskTimeout     string `json:"task_timeout"`

	LocationInterval string `json:"location_interval"`
}

// FUNCTIONAL DISCOVERY: File-based configuration supports complex deployment scenarios
// JSON format chosen for readability and tooling support
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}
	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var d durations
	if file.LogLevel != "" {
		config.LogLevel = file.LogLevel
	}
	if f := file.Database; f != nil {
		setString(&config.Database.Driver, f.Driver)
		setString(&config.Database.Path, f.Path)
		setString(&config.Database.DSN, f.DSN)
		setInt(&config.Database.MaxConnections, f.MaxConnections)
		d.set(&config.Database.Timeout, "database.timeout", f.Timeout)
		d.set(&config.Database.BusyTimeout, "database.busy_timeout", f.BusyTimeout)
	}
	if f := file.HTTP; f != nil {
		setInt(&config.HTTP.Port, f.Port)
		setString(&config.HTTP.Host, f.Host)
		d.set(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		d.set(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
	}
	if f := file.WebSocket; f != nil {
		setInt(&config.WebSocket.BufferSize, f.BufferSize)
		if f.ReadLimit > 0 {
			config.WebSocket.ReadLimit = f.ReadLimit
		}
		d.set(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		d.set(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		d.set(&config.WebSocket.WriteTimeout, "websocket.write_timeout", f.WriteTimeout)
	}
	if f := file.Hub; f != nil {
		setInt(&config.Hub.Workers, f.Workers)
		setInt(&config.Hub.QueueSize, f.QueueSize)
	}
	if f := file.Transaction; f != nil {
		setInt(&config.Transaction.MaxAttempts, f.MaxAttempts)
		d.set(&config.Transaction.BaseDelay, "transaction.base_delay", f.BaseDelay)
		d.set(&config.Transaction.MaxDelay, "transaction.max_delay", f.MaxDelay)
	}
	if f := file.RateLimit; f != nil {
		// an explicit 0 turns limiting off
		if f.Requests != nil {
			config.RateLimit.Requests = *f.Requests
		}
		d.set(&config.RateLimit.Window, "rate_limit.window", f.Window)
	}
	if f := file.Service; f != nil {
		setInt(&config.Service.MaxReadMessages, f.MaxReadMessages)
		setInt(&config.Service.BcryptCost, f.BcryptCost)
		d.set(&config.Service.TokenTTL, "service.token_ttl", f.TokenTTL)
		d.set(&config.Service.RequestTimeout, "service.request_timeout", f.RequestTimeout)
		d.set(&config.Service.TaskTimeout, "service.task_timeout", f.TaskTimeout)
		d.set(&config.Service.LocationInterval, "service.location_interval", f.LocationInterval)
	}
	if d.err != nil {
		return fmt.Errorf("invalid config file %s: %w", filepath, d.err)
	}
	return nil
}

// durations parses duration strings and keeps the first failure
type durations struct{ err error }

func (d *durations) set(dst *time.Duration, key, value string) {
	if value == "" || d.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = parsed
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// Enables flexible deployment patterns while maintaining sane defaults.
// Unlike a missing file, a broken file or environment is an error.
func LoadConfigWithPrecedence(filepath string, dotenvFiles ...string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config, dotenvFiles...); err != nil {
		return nil, err
	}
	if filepath != "" {
		err := applyFile(config, filepath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
