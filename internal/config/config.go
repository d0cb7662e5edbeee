package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Storage   *StorageConfig   `yaml:"storage"`
	HTTP      *HTTPConfig      `yaml:"http"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	Presence  *PresenceConfig  `yaml:"presence"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	Log       *LogConfig       `yaml:"log"`
	Pairing   *PairingConfig   `yaml:"pairing"`
}

// FUNCTIONAL DISCOVERY: The project root is the system of record; every session
// is one directory below it
type StorageConfig struct {
	Root       string   `yaml:"root"`
	Extensions []string `yaml:"extensions"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	Host           string        `yaml:"host"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
}

// FUNCTIONAL DISCOVERY: Poll every 5s, expire after 12s of silence, matching the
// cadence the mobile client pings at
type PresenceConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PairingConfig struct {
	Scheme string `yaml:"scheme"`
	QRSize int    `yaml:"qr_size"`
}

// FUNCTIONAL DISCOVERY: Defaults reproduce the field setup: projects next to the binary,
// dashboard on 8080, 12 second phone timeout
func DefaultConfig() *Config {
	return &Config{
		Storage: &StorageConfig{
			Root:       "./meshroom_projects",
			Extensions: []string{".jpg"},
		},
		HTTP: &HTTPConfig{
			Port:           8080,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   60 * time.Second,
			Host:           "0.0.0.0",
			MaxUploadBytes: 64 << 20,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   256,
		},
		Presence: &PresenceConfig{
			PollInterval: 5 * time.Second,
			Timeout:      12 * time.Second,
		},
		RateLimit: &RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
		Pairing: &PairingConfig{
			Scheme: "mbridge",
			QRSize: 256,
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.Storage == nil {
		return fmt.Errorf("storage configuration is required")
	}

	if c.Storage.Root == "" {
		return fmt.Errorf("storage root cannot be empty")
	}

	if len(c.Storage.Extensions) == 0 {
		return fmt.Errorf("at least one capture extension is required")
	}

	for _, ext := range c.Storage.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("capture extension %q must start with a dot", ext)
		}
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}

	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}

	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}

	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("HTTP max upload bytes must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}

	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}

	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}

	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Presence == nil {
		return fmt.Errorf("presence configuration is required")
	}

	if c.Presence.PollInterval <= 0 {
		return fmt.Errorf("presence poll interval must be positive")
	}

	if c.Presence.Timeout <= 0 {
		return fmt.Errorf("presence timeout must be positive")
	}

	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}

	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit rate and burst must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}

	if c.Pairing == nil {
		return fmt.Errorf("pairing configuration is required")
	}

	if c.Pairing.Scheme == "" {
		return fmt.Errorf("pairing scheme cannot be empty")
	}

	if c.Pairing.QRSize < 64 {
		return fmt.Errorf("pairing QR size must be at least 64 pixels")
	}

	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Unparseable values are ignored and the previous setting kept
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	if root := os.Getenv("MESHBRIDGE_STORAGE_ROOT"); root != "" {
		config.Storage.Root = root
	}

	if exts := os.Getenv("MESHBRIDGE_STORAGE_EXTENSIONS"); exts != "" {
		config.Storage.Extensions = splitList(exts)
	}

	if port := os.Getenv("MESHBRIDGE_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}

	if host := os.Getenv("MESHBRIDGE_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}

	setDuration("MESHBRIDGE_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	setDuration("MESHBRIDGE_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	if limit := os.Getenv("MESHBRIDGE_HTTP_MAX_UPLOAD_BYTES"); limit != "" {
		if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
			config.HTTP.MaxUploadBytes = n
		}
	}

	setDuration("MESHBRIDGE_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	setDuration("MESHBRIDGE_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	setDuration("MESHBRIDGE_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)

	if bufferSize := os.Getenv("MESHBRIDGE_WEBSOCKET_BUFFER_SIZE"); bufferSize != "" {
		if size, err := strconv.Atoi(bufferSize); err == nil {
			config.WebSocket.BufferSize = size
		}
	}

	setDuration("MESHBRIDGE_PRESENCE_POLL_INTERVAL", &config.Presence.PollInterval)
	setDuration("MESHBRIDGE_PRESENCE_TIMEOUT", &config.Presence.Timeout)

	if rps := os.Getenv("MESHBRIDGE_RATE_LIMIT_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			config.RateLimit.RequestsPerSecond = v
		}
	}

	if burst := os.Getenv("MESHBRIDGE_RATE_LIMIT_BURST"); burst != "" {
		if v, err := strconv.Atoi(burst); err == nil {
			config.RateLimit.Burst = v
		}
	}

	if level := os.Getenv("MESHBRIDGE_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}

	if format := os.Getenv("MESHBRIDGE_LOG_FORMAT"); format != "" {
		config.Log.Format = format
	}
}

func setDuration(name string, target *time.Duration) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*target = d
	}
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

// ConfigFile represents the file structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for parsing to handle duration strings
type ConfigFile struct {
	Storage   *StorageConfigFile   `yaml:"storage"`
	HTTP      *HTTPConfigFile      `yaml:"http"`
	WebSocket *WebSocketConfigFile `yaml:"websocket"`
	Presence  *PresenceConfigFile  `yaml:"presence"`
	RateLimit *RateLimitConfig     `yaml:"rate_limit"`
	Log       *LogConfig           `yaml:"log"`
	Pairing   *PairingConfig       `yaml:"pairing"`
}

type StorageConfigFile struct {
	Root       string   `yaml:"root"`
	Extensions []string `yaml:"extensions"`
}

type HTTPConfigFile struct {
	Port           int    `yaml:"port"`
	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	Host           string `yaml:"host"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type WebSocketConfigFile struct {
	PingInterval string `yaml:"ping_interval"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	BufferSize   int    `yaml:"buffer_size"`
}

type PresenceConfigFile struct {
	PollInterval string `yaml:"poll_interval"`
	Timeout      string `yaml:"timeout"`
}

// FUNCTIONAL DISCOVERY: YAML chosen for hand-edited field configs; JSON files are
// valid YAML, so existing JSON configs keep loading
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var configFile ConfigFile
	if err := yaml.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := DefaultConfig()

	if configFile.Storage != nil {
		if configFile.Storage.Root != "" {
			config.Storage.Root = configFile.Storage.Root
		}
		if len(configFile.Storage.Extensions) > 0 {
			config.Storage.Extensions = configFile.Storage.Extensions
		}
	}

	if configFile.HTTP != nil {
		if configFile.HTTP.Port > 0 {
			config.HTTP.Port = configFile.HTTP.Port
		}
		if configFile.HTTP.Host != "" {
			config.HTTP.Host = configFile.HTTP.Host
		}
		if configFile.HTTP.MaxUploadBytes > 0 {
			config.HTTP.MaxUploadBytes = configFile.HTTP.MaxUploadBytes
		}
		if err := parseDuration(configFile.HTTP.ReadTimeout, &config.HTTP.ReadTimeout); err != nil {
			return nil, fmt.Errorf("invalid http.read_timeout in %s: %w", filepath, err)
		}
		if err := parseDuration(configFile.HTTP.WriteTimeout, &config.HTTP.WriteTimeout); err != nil {
			return nil, fmt.Errorf("invalid http.write_timeout in %s: %w", filepath, err)
		}
	}

	if configFile.WebSocket != nil {
		if configFile.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = configFile.WebSocket.BufferSize
		}
		if err := parseDuration(configFile.WebSocket.PingInterval, &config.WebSocket.PingInterval); err != nil {
			return nil, fmt.Errorf("invalid websocket.ping_interval in %s: %w", filepath, err)
		}
		if err := parseDuration(configFile.WebSocket.ReadTimeout, &config.WebSocket.ReadTimeout); err != nil {
			return nil, fmt.Errorf("invalid websocket.read_timeout in %s: %w", filepath, err)
		}
		if err := parseDuration(configFile.WebSocket.WriteTimeout, &config.WebSocket.WriteTimeout); err != nil {
			return nil, fmt.Errorf("invalid websocket.write_timeout in %s: %w", filepath, err)
		}
	}

	if configFile.Presence != nil {
		if err := parseDuration(configFile.Presence.PollInterval, &config.Presence.PollInterval); err != nil {
			return nil, fmt.Errorf("invalid presence.poll_interval in %s: %w", filepath, err)
		}
		if err := parseDuration(configFile.Presence.Timeout, &config.Presence.Timeout); err != nil {
			return nil, fmt.Errorf("invalid presence.timeout in %s: %w", filepath, err)
		}
	}

	if rl := configFile.RateLimit; rl != nil {
		if rl.RequestsPerSecond > 0 {
			config.RateLimit.RequestsPerSecond = rl.RequestsPerSecond
		}
		if rl.Burst > 0 {
			config.RateLimit.Burst = rl.Burst
		}
	}

	if lc := configFile.Log; lc != nil {
		if lc.Level != "" {
			config.Log.Level = lc.Level
		}
		if lc.Format != "" {
			config.Log.Format = lc.Format
		}
	}

	if pc := configFile.Pairing; pc != nil {
		if pc.Scheme != "" {
			config.Pairing.Scheme = pc.Scheme
		}
		if pc.QRSize > 0 {
			config.Pairing.QRSize = pc.QRSize
		}
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

func parseDuration(raw string, target *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*target = d
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: environment > file > defaults
// A file describes the deployment; env vars tweak a single run
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := DefaultConfig()

	if filepath != "" {
		fileConfig, err := LoadFromFile(filepath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}
