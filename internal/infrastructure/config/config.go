package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTarget is the broker target used when a caller does not name one.
const DefaultTarget = "default"

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Broker URL schemes accepted in mqtt.targets.*.broker.scheme.
const (
	SchemeTCP = "tcp"
	SchemeSSL = "ssl"
	SchemeTLS = "tls"
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

// Config is the root of configs/config.yaml.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// MQTTConfig contains settings shared by every broker session plus the
// named broker targets. Each target gets at most one live session.
type MQTTConfig struct {
	Targets        map[string]MQTTTargetConfig `yaml:"targets"`
	QoS            int                         `yaml:"qos"`
	StatusTopic    string                      `yaml:"status_topic"`
	KeepAlive      time.Duration               `yaml:"keepalive"`
	ConnectTimeout time.Duration               `yaml:"connect_timeout"`
	Reconnect      MQTTReconnectConfig         `yaml:"reconnect"`
	Publish        MQTTPublishConfig           `yaml:"publish"`
}

// MQTTTargetConfig describes one broker the service may hold a session with.
type MQTTTargetConfig struct {
	Broker MQTTBrokerConfig `yaml:"broker"`
	Auth   MQTTAuthConfig   `yaml:"auth"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
//
// The port is never inferred from the scheme. Public brokers commonly expose
// several listeners (1883 tcp, 8883 tls, 8884 wss, ...) and the intended one
// must be stated.
type MQTTBrokerConfig struct {
	Scheme   string `yaml:"scheme"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"` // WebSocket path, e.g. "/mqtt"
	ClientID string `yaml:"client_id"`

	// Discover resolves host and port via mDNS (_mqtt._tcp) at connect time.
	Discover bool `yaml:"discover"`
	// Instance restricts discovery to a named mDNS instance.
	Instance string `yaml:"instance,omitempty"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
// Delays follow exponential backoff with full jitter.
type MQTTReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
}

// MQTTPublishConfig controls the outbound queue and acknowledgement tracking.
type MQTTPublishConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	QueueTimeout  time.Duration `yaml:"queue_timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
// An empty secret disables API authentication (development only).
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load layers path over the built-in defaults, fills per-target defaults,
// applies MQTTLINK_* overrides and validates the result. A missing file
// wraps os.ErrNotExist.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyTargetDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. It is used when no config file is present.
func Default() *Config {
	cfg := defaultConfig()
	applyTargetDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

// applyTargetDefaults adds the default local broker when no target is
// configured and fills in per-target fields left empty in the file.
// Targets are decoded as whole values, so defaults cannot be pre-seeded.
func applyTargetDefaults(cfg *Config) {
	if len(cfg.MQTT.Targets) == 0 {
		cfg.MQTT.Targets = map[string]MQTTTargetConfig{
			DefaultTarget: {
				Broker: MQTTBrokerConfig{Host: "localhost", Port: 1883},
			},
		}
	}
	for name, t := range cfg.MQTT.Targets {
		if t.Broker.Scheme == "" {
			t.Broker.Scheme = SchemeTCP
		}
		t.Broker.Scheme = strings.ToLower(t.Broker.Scheme)
		if (t.Broker.Scheme == SchemeWS || t.Broker.Scheme == SchemeWSS) && t.Broker.Path == "" {
			t.Broker.Path = "/mqtt"
		}
		cfg.MQTT.Targets[name] = t
	}
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			QoS:            1,
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				MaxAttempts:  0,
			},
			Publish: MQTTPublishConfig{
				QueueSize:     256,
				QueueTimeout:  2 * time.Second,
				RetryInterval: 5 * time.Second,
				MaxRetries:    3,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Broker overrides apply to the default target only.
func applyEnvOverrides(cfg *Config) {
	target := cfg.MQTT.Targets[DefaultTarget]
	changed := false

	if v := os.Getenv("MQTTLINK_MQTT_SCHEME"); v != "" {
		target.Broker.Scheme = v
		changed = true
	}
	if v := os.Getenv("MQTTLINK_MQTT_HOST"); v != "" {
		target.Broker.Host = v
		changed = true
	}
	if v := os.Getenv("MQTTLINK_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			target.Broker.Port = port
			changed = true
		}
	}
	if v := os.Getenv("MQTTLINK_MQTT_CLIENT_ID"); v != "" {
		target.Broker.ClientID = v
		changed = true
	}
	if v := os.Getenv("MQTTLINK_MQTT_USERNAME"); v != "" {
		target.Auth.Username = v
		changed = true
	}
	if v := os.Getenv("MQTTLINK_MQTT_PASSWORD"); v != "" {
		target.Auth.Password = v
		changed = true
	}
	if changed {
		if cfg.MQTT.Targets == nil {
			cfg.MQTT.Targets = make(map[string]MQTTTargetConfig)
		}
		if target.Broker.Scheme == "" {
			target.Broker.Scheme = SchemeTCP
		}
		cfg.MQTT.Targets[DefaultTarget] = target
	}

	// API
	if v := os.Getenv("MQTTLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("MQTTLINK_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("MQTTLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("MQTTLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate reports every problem in one error wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []string

	if len(c.MQTT.Targets) == 0 {
		errs = append(errs, "mqtt.targets must define at least one broker")
	}
	for _, name := range c.MQTT.TargetNames() {
		errs = append(errs, validateTarget(name, c.MQTT.Targets[name])...)
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.KeepAlive < 0 {
		errs = append(errs, "mqtt.keepalive must not be negative")
	}
	if c.MQTT.ConnectTimeout <= 0 {
		errs = append(errs, "mqtt.connect_timeout must be positive")
	}

	if c.MQTT.Reconnect.InitialDelay <= 0 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be positive")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must be >= initial_delay")
	}
	if c.MQTT.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "mqtt.reconnect.max_attempts must not be negative")
	}

	if c.MQTT.Publish.QueueSize < 1 {
		errs = append(errs, "mqtt.publish.queue_size must be at least 1")
	}
	if c.MQTT.Publish.QueueTimeout < 0 {
		errs = append(errs, "mqtt.publish.queue_timeout must not be negative")
	}
	if c.MQTT.Publish.RetryInterval <= 0 {
		errs = append(errs, "mqtt.publish.retry_interval must be positive")
	}
	if c.MQTT.Publish.MaxRetries < 0 {
		errs = append(errs, "mqtt.publish.max_retries must not be negative")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// An empty secret turns authentication off; a short one is never accepted.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("security.jwt.secret must be empty or at least %d characters", minJWTSecretLength))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func validateTarget(name string, t MQTTTargetConfig) []string {
	var errs []string
	prefix := "mqtt.targets." + name

	switch strings.ToLower(t.Broker.Scheme) {
	case SchemeTCP, SchemeSSL, SchemeTLS, SchemeWS, SchemeWSS:
	default:
		errs = append(errs, prefix+".broker.scheme must be one of tcp, ssl, tls, ws, wss")
	}

	if t.Broker.Discover {
		return errs
	}
	if t.Broker.Host == "" {
		errs = append(errs, prefix+".broker.host is required")
	}
	if t.Broker.Port < 1 || t.Broker.Port > 65535 {
		errs = append(errs, prefix+".broker.port must be between 1 and 65535")
	}
	return errs
}

// TargetNames returns the configured broker target names in sorted order.
func (m MQTTConfig) TargetNames() []string {
	names := make([]string, 0, len(m.Targets))
	for name := range m.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target returns the named broker target.
func (m MQTTConfig) Target(name string) (MQTTTargetConfig, bool) {
	t, ok := m.Targets[name]
	return t, ok
}

// Durations converts the API timeouts, given in seconds, for http.Server.
func (t APITimeoutConfig) Durations() (read, write, idle time.Duration) {
	return time.Duration(t.Read) * time.Second,
		time.Duration(t.Write) * time.Second,
		time.Duration(t.Idle) * time.Second
}
