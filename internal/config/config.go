package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the server reads
const EnvPrefix = "KIOSKQUEUE_"

// Config is the full server configuration
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Kiosk     *KioskConfig     `json:"kiosk"`
	Auth      *AuthConfig      `json:"auth"`
	Redis     *RedisConfig     `json:"redis"`
}

// DatabaseConfig locates the SQLite file
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// HTTPConfig controls the listener and the kiosk rate limit
type HTTPConfig struct {
	Port                int           `json:"port"`
	Host                string        `json:"host"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	AllowedOrigin       string        `json:"allowed_origin"`
	KioskRequestsPerMin int           `json:"kiosk_requests_per_min"`
}

// WebSocketConfig sets the keepalive for /ws clients
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	PongWait     time.Duration `json:"pong_wait"`
}

// KioskConfig covers kiosk provisioning and the kiosk browser timers
type KioskConfig struct {
	Count             int           `json:"count"`
	SessionTTLHours   int           `json:"session_ttl_hours"`
	BaseURL           string        `json:"base_url"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	TabPingInterval   time.Duration `json:"tab_ping_interval"`
	CountdownInterval time.Duration `json:"countdown_interval"`
	ResetAfter        time.Duration `json:"reset_after"`
}

// AuthConfig verifies staff bearer tokens
type AuthConfig struct {
	JWTSecret string        `json:"-"`
	Issuer    string        `json:"issuer"`
	TokenTTL  time.Duration `json:"token_ttl"`
}

// RedisConfig enables the cross-process event bridge when Addr is set
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"`
	Prefix   string `json:"prefix"`
}

// Enabled reports whether a Redis address was configured
func (r *RedisConfig) Enabled() bool {
	return r != nil && r.Addr != ""
}

// Addr returns host:port for the HTTP listener
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// DefaultConfig returns settings for a single-building deployment. The JWT secret has
// no default and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./data/kioskqueue.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:                8080,
			Host:                "0.0.0.0",
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        30 * time.Second,
			AllowedOrigin:       "*",
			KioskRequestsPerMin: 100,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
		},
		Kiosk: &KioskConfig{
			Count:             3,
			SessionTTLHours:   8,
			BaseURL:           "http://localhost:8080",
			HeartbeatInterval: 30 * time.Second,
			TabPingInterval:   5 * time.Second,
			CountdownInterval: time.Second,
			ResetAfter:        10 * time.Second,
		},
		Auth: &AuthConfig{
			Issuer:   "kioskqueue",
			TokenTTL: 12 * time.Hour,
		},
		Redis: &RedisConfig{
			Prefix: "kioskqueue:",
		},
	}
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.KioskRequestsPerMin <= 0 {
		return errors.New("kiosk rate limit must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return errors.New("WebSocket pong wait must exceed the ping interval")
	}

	if c.Kiosk == nil {
		return errors.New("kiosk configuration is required")
	}
	if c.Kiosk.Count <= 0 {
		return errors.New("kiosk count must be positive")
	}
	if c.Kiosk.SessionTTLHours <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.Kiosk.BaseURL == "" {
		return errors.New("kiosk base URL cannot be empty")
	}
	if c.Kiosk.HeartbeatInterval <= 0 || c.Kiosk.TabPingInterval <= 0 ||
		c.Kiosk.CountdownInterval <= 0 || c.Kiosk.ResetAfter <= 0 {
		return errors.New("kiosk intervals must be positive")
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return errors.New("JWT secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("token ttl must be positive")
	}

	if c.Redis == nil {
		return errors.New("redis configuration is required")
	}
	return nil
}

// LoadDotEnv loads variables from the given .env files, or ./.env when none are
// named. Variables already set in the process win. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv overlays KIOSKQUEUE_* variables on the defaults. Unparseable values
// are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envString("HTTP_ALLOWED_ORIGIN", &config.HTTP.AllowedOrigin)
	envInt("HTTP_KIOSK_REQUESTS_PER_MIN", &config.HTTP.KioskRequestsPerMin)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_PONG_WAIT", &config.WebSocket.PongWait)

	envInt("KIOSK_COUNT", &config.Kiosk.Count)
	envInt("KIOSK_SESSION_TTL_HOURS", &config.Kiosk.SessionTTLHours)
	envString("KIOSK_BASE_URL", &config.Kiosk.BaseURL)
	envDuration("KIOSK_HEARTBEAT_INTERVAL", &config.Kiosk.HeartbeatInterval)
	envDuration("KIOSK_TAB_PING_INTERVAL", &config.Kiosk.TabPingInterval)
	envDuration("KIOSK_COUNTDOWN_INTERVAL", &config.Kiosk.CountdownInterval)
	envDuration("KIOSK_RESET_AFTER", &config.Kiosk.ResetAfter)

	envString("JWT_SECRET", &config.Auth.JWTSecret)
	envString("JWT_ISSUER", &config.Auth.Issuer)
	envDuration("JWT_TOKEN_TTL", &config.Auth.TokenTTL)

	envString("REDIS_ADDR", &config.Redis.Addr)
	envString("REDIS_PASSWORD", &config.Redis.Password)
	envString("REDIS_PREFIX", &config.Redis.Prefix)

	return config
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// File is the on-disk layout. Durations are strings such as "30s". Secrets are read
// from the file too so a deployment can keep everything in one place.
type File struct {
	Database  *DatabaseFile  `json:"database" yaml:"database"`
	HTTP      *HTTPFile      `json:"http" yaml:"http"`
	WebSocket *WebSocketFile `json:"websocket" yaml:"websocket"`
	Kiosk     *KioskFile     `json:"kiosk" yaml:"kiosk"`
	Auth      *AuthFile      `json:"auth" yaml:"auth"`
	Redis     *RedisFile     `json:"redis" yaml:"redis"`
}

type DatabaseFile struct {
	Path    string `json:"path" yaml:"path"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

type HTTPFile struct {
	Port                int    `json:"port" yaml:"port"`
	Host                string `json:"host" yaml:"host"`
	ReadTimeout         string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout        string `json:"write_timeout" yaml:"write_timeout"`
	AllowedOrigin       string `json:"allowed_origin" yaml:"allowed_origin"`
	KioskRequestsPerMin int    `json:"kiosk_requests_per_min" yaml:"kiosk_requests_per_min"`
}

type WebSocketFile struct {
	PingInterval string `json:"ping_interval" yaml:"ping_interval"`
	PongWait     string `json:"pong_wait" yaml:"pong_wait"`
}

type KioskFile struct {
	Count             int    `json:"count" yaml:"count"`
	SessionTTLHours   int    `json:"session_ttl_hours" yaml:"session_ttl_hours"`
	BaseURL           string `json:"base_url" yaml:"base_url"`
	HeartbeatInterval string `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	TabPingInterval   string `json:"tab_ping_interval" yaml:"tab_ping_interval"`
	CountdownInterval string `json:"countdown_interval" yaml:"countdown_interval"`
	ResetAfter        string `json:"reset_after" yaml:"reset_after"`
}

type AuthFile struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string `json:"issuer" yaml:"issuer"`
	TokenTTL  string `json:"token_ttl" yaml:"token_ttl"`
}

type RedisFile struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// ReadFile parses a JSON or YAML config file, chosen by extension
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &file, nil
}

// LoadFromFile applies a config file on top of the defaults and validates the result
func LoadFromFile(path string) (*Config, error) {
	file, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := file.Apply(config); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// Apply overwrites the fields the file sets. Zero values leave config untouched.
func (f *File) Apply(config *Config) error {
	if db := f.Database; db != nil {
		setString(&config.Database.Path, db.Path)
		if err := setDuration(&config.Database.Timeout, "database.timeout", db.Timeout); err != nil {
			return err
		}
	}

	if h := f.HTTP; h != nil {
		setInt(&config.HTTP.Port, h.Port)
		setString(&config.HTTP.Host, h.Host)
		setString(&config.HTTP.AllowedOrigin, h.AllowedOrigin)
		setInt(&config.HTTP.KioskRequestsPerMin, h.KioskRequestsPerMin)
		if err := setDuration(&config.HTTP.ReadTimeout, "http.read_timeout", h.ReadTimeout); err != nil {
			return err
		}
		if err := setDuration(&config.HTTP.WriteTimeout, "http.write_timeout", h.WriteTimeout); err != nil {
			return err
		}
	}

	if ws := f.WebSocket; ws != nil {
		if err := setDuration(&config.WebSocket.PingInterval, "websocket.ping_interval", ws.PingInterval); err != nil {
			return err
		}
		if err := setDuration(&config.WebSocket.PongWait, "websocket.pong_wait", ws.PongWait); err != nil {
			return err
		}
	}

	if k := f.Kiosk; k != nil {
		setInt(&config.Kiosk.Count, k.Count)
		setInt(&config.Kiosk.SessionTTLHours, k.SessionTTLHours)
		setString(&config.Kiosk.BaseURL, k.BaseURL)
		durations := []struct {
			dst  *time.Duration
			name string
			raw  string
		}{
			{&config.Kiosk.HeartbeatInterval, "kiosk.heartbeat_interval", k.HeartbeatInterval},
			{&config.Kiosk.TabPingInterval, "kiosk.tab_ping_interval", k.TabPingInterval},
			{&config.Kiosk.CountdownInterval, "kiosk.countdown_interval", k.CountdownInterval},
			{&config.Kiosk.ResetAfter, "kiosk.reset_after", k.ResetAfter},
		}
		for _, d := range durations {
			if err := setDuration(d.dst, d.name, d.raw); err != nil {
				return err
			}
		}
	}

	if a := f.Auth; a != nil {
		setString(&config.Auth.JWTSecret, a.JWTSecret)
		setString(&config.Auth.Issuer, a.Issuer)
		if err := setDuration(&config.Auth.TokenTTL, "auth.token_ttl", a.TokenTTL); err != nil {
			return err
		}
	}

	if r := f.Redis; r != nil {
		setString(&config.Redis.Addr, r.Addr)
		setString(&config.Redis.Password, r.Password)
		setString(&config.Redis.Prefix, r.Prefix)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

// Load resolves configuration with precedence file > environment > defaults. The .env
// file feeds the environment layer. An unreadable config file is logged and skipped;
// one with bad values is an error.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		log.Printf("Warning: %v", err)
	}

	config := LoadFromEnv()
	if path != "" {
		file, err := ReadFile(path)
		if err != nil {
			log.Printf("Warning: ignoring config file: %v", err)
		} else if err := file.Apply(config); err != nil {
			return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
