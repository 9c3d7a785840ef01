// Package config describes how to reach a controller: endpoint, transport
// kind, credentials and timeouts. Values load from YAML on top of Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/rpcmux/logger"
	"github.com/cyberinferno/rpcmux/transport"
)

// Config is the connection configuration. Durations are in milliseconds.
type Config struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	SessionInactivityTimeoutMs    int `yaml:"session_inactivity_timeout_ms"`
	ConnectionInactivityTimeoutMs int `yaml:"connection_inactivity_timeout_ms"`
	CallTimeoutMs                 int `yaml:"call_timeout_ms"`
	ConnectTimeoutMs              int `yaml:"connect_timeout_ms"`
	// KeepAliveIntervalMs renews the session periodically; zero disables
	// renewal, -1 renews at half the session inactivity timeout.
	KeepAliveIntervalMs int `yaml:"keep_alive_interval_ms"`

	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// LogConfig selects the log level and an optional directory for daily log
// files.
type LogConfig struct {
	Level   string `yaml:"level"`
	Dir     string `yaml:"dir"`
	Service string `yaml:"service"`
}

// RedisConfig applies to the redis transport.
type RedisConfig struct {
	Channel  string `yaml:"channel"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WebSocketConfig applies to the websocket transport.
type WebSocketConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when nothing is set: the admin
// account over UDP with the controller's default timeouts.
func Default() Config {
	return Config{
		Address:                       "127.0.0.1",
		Transport:                     string(transport.KindUDP),
		Username:                      "admin",
		Password:                      "admin",
		SessionInactivityTimeoutMs:    10000,
		ConnectionInactivityTimeoutMs: 2000,
		CallTimeoutMs:                 10000,
		ConnectTimeoutMs:              5000,
		KeepAliveIntervalMs:           -1,
		Log: LogConfig{
			Level:   "info",
			Service: "rpcmux",
		},
		WebSocket: WebSocketConfig{Path: "/rpc"},
	}
}

// Load reads and validates a YAML file.
//
// Parameters:
//   - path: File to read
//
// Returns:
//   - Default overlaid with the file's values
//   - An error if the file cannot be read, parsed or validated
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := c.Kind(); err != nil {
		errs = append(errs, err)
	}
	if c.Password != "" && c.Username == "" {
		errs = append(errs, errors.New("password set without username"))
	}
	for name, v := range map[string]int{
		"session_inactivity_timeout_ms":    c.SessionInactivityTimeoutMs,
		"connection_inactivity_timeout_ms": c.ConnectionInactivityTimeoutMs,
		"call_timeout_ms":                  c.CallTimeoutMs,
		"connect_timeout_ms":               c.ConnectTimeoutMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.KeepAliveIntervalMs < -1 {
		errs = append(errs, errors.New("keep_alive_interval_ms must be -1, 0 or positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}

// Kind returns the transport kind.
func (c Config) Kind() (transport.Kind, error) {
	switch k := transport.Kind(c.Transport); k {
	case transport.KindTCP, transport.KindUDP, transport.KindRedis, transport.KindWebSocket:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport %q", c.Transport)
	}
}

// ResolvedPort returns Port, or the transport kind's default port when Port
// is zero.
func (c Config) ResolvedPort() int {
	if c.Port != 0 {
		return c.Port
	}

	k, err := c.Kind()
	if err != nil {
		return 0
	}

	return transport.DefaultPort(k)
}

// SessionInactivityTimeout and the other duration accessors convert the
// millisecond settings.
func (c Config) SessionInactivityTimeout() time.Duration {
	return ms(c.SessionInactivityTimeoutMs)
}

func (c Config) ConnectionInactivityTimeout() time.Duration {
	return ms(c.ConnectionInactivityTimeoutMs)
}

func (c Config) CallTimeout() time.Duration {
	return ms(c.CallTimeoutMs)
}

func (c Config) ConnectTimeout() time.Duration {
	return ms(c.ConnectTimeoutMs)
}

// KeepAliveInterval returns the renewal period, or zero when renewal is
// disabled.
func (c Config) KeepAliveInterval() time.Duration {
	if c.KeepAliveIntervalMs == -1 {
		timeout := c.SessionInactivityTimeout()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		return timeout / 2
	}

	return ms(c.KeepAliveIntervalMs)
}

// TransportConfig maps the settings onto a transport configuration.
func (c Config) TransportConfig(log logger.Logger) transport.Config {
	tc := transport.DefaultConfig()
	if c.ConnectTimeoutMs > 0 {
		tc.ConnectionTimeout = c.ConnectTimeout()
	}
	if c.Redis.Channel != "" {
		tc.RedisChannel = c.Redis.Channel
	}
	tc.RedisPassword = c.Redis.Password
	tc.RedisDB = c.Redis.DB
	if c.WebSocket.Path != "" {
		tc.WebSocketPath = c.WebSocket.Path
	}
	if log != nil {
		tc.Logger = log
	}

	return tc
}

// NewLogger builds the logger described by Log: stdout only, or stdout plus
// daily files when Dir is set.
//
// Returns:
//   - The logger; it should be closed when a file is written
//   - An error if the level is invalid or the directory cannot be used
func (c Config) NewLogger() (logger.Logger, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	service := c.Log.Service
	if service == "" {
		service = "rpcmux"
	}

	if c.Log.Dir != "" {
		return logger.NewZerologFileLogger(service, c.Log.Dir, level)
	}

	return logger.NewZerologLogger(zerolog.New(os.Stdout), service, level), nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
