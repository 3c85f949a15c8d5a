package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

// Config is the root configuration structure for itag2mqttd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Devices    []DeviceConfig   `yaml:"devices"`
	Bluetooth  BluetoothConfig  `yaml:"bluetooth"`
	Connection ConnectionConfig `yaml:"connection"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Database   DatabaseConfig   `yaml:"database"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
}

// DeviceConfig identifies one iTag to keep connected.
type DeviceConfig struct {
	// Address is the device's Bluetooth hardware address (AA:BB:CC:DD:EE:FF).
	// Validate rewrites it to canonical upper-case form.
	Address string `yaml:"address"`

	// Alias is an optional human label, shown in logs and the status API.
	Alias string `yaml:"alias"`
}

// BluetoothConfig contains radio adapter settings.
type BluetoothConfig struct {
	// Adapters is an allow-list of adapter names (hci0) or addresses.
	// Empty means every adapter the system reports is used.
	Adapters []string `yaml:"adapters"`

	// PowerOn switches adapters on when they appear. Default: true
	PowerOn bool `yaml:"power_on"`

	// SettleDelay is how long to wait after startup before devices start
	// claiming adapters, so that every present adapter has been enumerated.
	// Default: 1s
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// ConnectionConfig contains per-device connection lifecycle settings.
type ConnectionConfig struct {
	// ConnectTimeout bounds a single link establishment attempt. Default: 5s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// DiscoveryTimeout bounds service discovery and subscription. Default: 10s
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	Backoff BackoffConfig `yaml:"backoff"`

	// MaxSubscribeFailures is the number of consecutive subscription failures
	// after which a persistent warning is raised. 0 disables the warning.
	// Reconnection attempts continue regardless. Default: 5
	MaxSubscribeFailures int `yaml:"max_subscribe_failures"`

	// StopAlertOnConnect writes "no alert" to the tag right after connecting,
	// which silences the beep most tags emit on connection. Default: true
	StopAlertOnConnect bool `yaml:"stop_alert_on_connect"`
}

// BackoffConfig contains reconnection delay settings.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// ButtonPayload selects the button message body: "pressed" or "timestamp".
	ButtonPayload string `yaml:"button_payload"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention is how long connectivity and press history is kept.
	// 0 keeps history forever. Default: 720h
	HistoryRetention time.Duration `yaml:"history_retention"`
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

// APIConfig contains the status HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// APIAuthConfig contains bearer-token settings for the status API.
// When JWTSecret is empty the API is unauthenticated.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WebSocketConfig contains settings for the /api/v1/events stream.
// Intervals are in seconds.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HealthConfig contains bridge health reporting settings.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Button payload formats.
const (
	ButtonPayloadPressed   = "pressed"
	ButtonPayloadTimestamp = "timestamp"
)

const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ITAG2MQTTD_SECTION_KEY
// For example: ITAG2MQTTD_MQTT_HOST, ITAG2MQTTD_DATABASE_PATH
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bluetooth: BluetoothConfig{
			PowerOn:     true,
			SettleDelay: time.Second,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:   5 * time.Second,
			DiscoveryTimeout: 10 * time.Second,
			Backoff: BackoffConfig{
				Initial:    time.Second,
				Max:        60 * time.Second,
				Multiplier: 2,
			},
			MaxSubscribeFailures: 5,
			StopAlertOnConnect:   true,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "itag2mqttd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			ButtonPayload: ButtonPayloadPressed,
		},
		Database: DatabaseConfig{
			Path:             "./data/itag2mqttd.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8089,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("ITAG2MQTTD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ITAG2MQTTD_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("ITAG2MQTTD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ITAG2MQTTD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Bluetooth
	if v := os.Getenv("ITAG2MQTTD_BLUETOOTH_ADAPTERS"); v != "" {
		cfg.Bluetooth.Adapters = splitList(v)
	}

	// Database
	if v := os.Getenv("ITAG2MQTTD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("ITAG2MQTTD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("ITAG2MQTTD_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("ITAG2MQTTD_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// Logging
	if v := os.Getenv("ITAG2MQTTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks the configuration for errors. Device addresses are
// rewritten to canonical form as a side effect.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Devices
	if len(c.Devices) == 0 {
		errs = append(errs, "devices: at least one device is required")
	}
	seen := make(map[string]int, len(c.Devices))
	for i := range c.Devices {
		dev := &c.Devices[i]
		addr, err := bluetooth.ParseAddress(dev.Address)
		if err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].address %q is not a valid hardware address", i, dev.Address))
			continue
		}
		dev.Address = addr.String()
		if prev, dup := seen[dev.Address]; dup {
			errs = append(errs, fmt.Sprintf("devices[%d].address %s duplicates devices[%d]", i, dev.Address, prev))
			continue
		}
		seen[dev.Address] = i
	}

	// Connection
	if c.Connection.ConnectTimeout <= 0 {
		errs = append(errs, "connection.connect_timeout must be positive")
	}
	if c.Connection.DiscoveryTimeout <= 0 {
		errs = append(errs, "connection.discovery_timeout must be positive")
	}
	if c.Connection.Backoff.Initial <= 0 {
		errs = append(errs, "connection.backoff.initial must be positive")
	}
	if c.Connection.Backoff.Max < c.Connection.Backoff.Initial {
		errs = append(errs, "connection.backoff.max must not be less than connection.backoff.initial")
	}
	if c.Connection.Backoff.Multiplier < 1 {
		errs = append(errs, "connection.backoff.multiplier must be at least 1")
	}
	if c.Connection.MaxSubscribeFailures < 0 {
		errs = append(errs, "connection.max_subscribe_failures must not be negative")
	}

	// MQTT
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.ButtonPayload != ButtonPayloadPressed && c.MQTT.ButtonPayload != ButtonPayloadTimestamp {
		errs = append(errs, "mqtt.button_payload must be \"pressed\" or \"timestamp\"")
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// API
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if s := c.API.Auth.JWTSecret; s != "" && len(s) < minJWTSecretLength {
			errs = append(errs, "api.auth.jwt_secret must be at least 32 characters for adequate security")
		}
	}

	// Health
	if c.Health.Interval <= 0 {
		errs = append(errs, "health.interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BrokerURL returns the MQTT broker address as a URL.
func (c *Config) BrokerURL() string {
	scheme := "tcp"
	if c.MQTT.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MQTT.Broker.Host, c.MQTT.Broker.Port)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
