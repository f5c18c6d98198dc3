package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddress    string   `yaml:"server_address"`
	DatabaseURL      string   `yaml:"database_url"`
	JWTSecret        string   `yaml:"-"`
	JWTPublicKeyFile string   `yaml:"jwt_public_key_file"`
	RedisURL         string   `yaml:"redis_url"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	LogLevel         string   `yaml:"log_level"`
	LogFormat        string   `yaml:"log_format"`
	RevokedSessions  []string `yaml:"revoked_sessions"`

	ICEServers []ICEServer      `yaml:"ice_servers"`
	Limits     map[string]Limit `yaml:"limits"`
	Realtime   Realtime         `yaml:"realtime"`
}

// ICEServer is a STUN/TURN relay advertised to call participants.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Limit allows Count events per Per window, refilled continuously.
type Limit struct {
	Count int           `yaml:"count"`
	Per   time.Duration `yaml:"per"`
}

type Realtime struct {
	RingTimeout      time.Duration `yaml:"ring_timeout"`
	TypingThrottle   time.Duration `yaml:"typing_throttle"`
	TypingExpiry     time.Duration `yaml:"typing_expiry"`
	MaxContentLength int           `yaml:"max_content_length"`
	MaxFrameBytes    int64         `yaml:"max_frame_bytes"`
	SendBuffer       int           `yaml:"send_buffer"`
	PingPeriod       time.Duration `yaml:"ping_period"`
	PongWait         time.Duration `yaml:"pong_wait"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`
}

// DefaultRealtime holds the protocol timings used when nothing overrides them.
func DefaultRealtime() Realtime {
	return Realtime{
		RingTimeout:      30 * time.Second,
		TypingThrottle:   2 * time.Second,
		TypingExpiry:     5 * time.Second,
		MaxContentLength: 4000,
		MaxFrameBytes:    64 << 10,
		SendBuffer:       256,
		PingPeriod:       30 * time.Second,
		PongWait:         60 * time.Second,
		StoreTimeout:     5 * time.Second,
	}
}

// DefaultLimits are the per-user, per-event budgets enforced by the abuse guard.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"dm:send":       {Count: 60, Per: time.Minute},
		"dm:typing":     {Count: 1, Per: time.Second},
		"dm:read":       {Count: 10, Per: time.Second},
		"dm:delivered":  {Count: 20, Per: time.Second},
		"call:initiate": {Count: 10, Per: time.Minute},
		"call:signal":   {Count: 50, Per: time.Second},
		"*":             {Count: 30, Per: time.Second},
	}
}

// Load reads .env (when present), the environment and, when CONFIG_FILE
// names one, a YAML file. Environment variables win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("error resolving working directory: %w", err)
	}
	dbPath := filepath.Join(cwd, "data", "messager.db")

	cfg := &Config{
		ServerAddress: ":8080",
		DatabaseURL:   "sqlite://" + dbPath,
		LogLevel:      "info",
		LogFormat:     "text",
		Limits:        DefaultLimits(),
		Realtime:      DefaultRealtime(),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ServerAddress = getEnv("SERVER_ADDRESS", cfg.ServerAddress)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTPublicKeyFile = getEnv("JWT_PUBLIC_KEY_FILE", cfg.JWTPublicKeyFile)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}
	if v, ok := os.LookupEnv("REVOKED_SESSIONS"); ok {
		cfg.RevokedSessions = splitList(v)
	}
	if v, ok := os.LookupEnv("ICE_SERVERS"); ok {
		cfg.ICEServers = nil
		for _, url := range splitList(v) {
			cfg.ICEServers = append(cfg.ICEServers, ICEServer{URLs: []string{url}})
		}
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	c.merge(&file)
	return nil
}

// merge overlays the non-zero fields of o onto c.
func (c *Config) merge(o *Config) {
	if o.ServerAddress != "" {
		c.ServerAddress = o.ServerAddress
	}
	if o.DatabaseURL != "" {
		c.DatabaseURL = o.DatabaseURL
	}
	if o.JWTPublicKeyFile != "" {
		c.JWTPublicKeyFile = o.JWTPublicKeyFile
	}
	if o.RedisURL != "" {
		c.RedisURL = o.RedisURL
	}
	if len(o.AllowedOrigins) > 0 {
		c.AllowedOrigins = o.AllowedOrigins
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
	if len(o.RevokedSessions) > 0 {
		c.RevokedSessions = o.RevokedSessions
	}
	if len(o.ICEServers) > 0 {
		c.ICEServers = o.ICEServers
	}
	for event, l := range o.Limits {
		c.Limits[event] = l
	}

	r := o.Realtime
	if r.RingTimeout > 0 {
		c.Realtime.RingTimeout = r.RingTimeout
	}
	if r.TypingThrottle > 0 {
		c.Realtime.TypingThrottle = r.TypingThrottle
	}
	if r.TypingExpiry > 0 {
		c.Realtime.TypingExpiry = r.TypingExpiry
	}
	if r.MaxContentLength > 0 {
		c.Realtime.MaxContentLength = r.MaxContentLength
	}
	if r.MaxFrameBytes > 0 {
		c.Realtime.MaxFrameBytes = r.MaxFrameBytes
	}
	if r.SendBuffer > 0 {
		c.Realtime.SendBuffer = r.SendBuffer
	}
	if r.PingPeriod > 0 {
		c.Realtime.PingPeriod = r.PingPeriod
	}
	if r.PongWait > 0 {
		c.Realtime.PongWait = r.PongWait
	}
	if r.StoreTimeout > 0 {
		c.Realtime.StoreTimeout = r.StoreTimeout
	}
}

// Validate reports configuration that would leave the server unusable.
func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.JWTPublicKeyFile == "" {
		return errors.New("config: one of JWT_SECRET or JWT_PUBLIC_KEY_FILE is required")
	}
	if c.Realtime.PingPeriod >= c.Realtime.PongWait {
		return fmt.Errorf("config: ping_period (%s) must be shorter than pong_wait (%s)",
			c.Realtime.PingPeriod, c.Realtime.PongWait)
	}
	for event, l := range c.Limits {
		if l.Count <= 0 || l.Per <= 0 {
			return fmt.Errorf("config: limit for %q needs a positive count and window", event)
		}
	}
	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return errors.New("config: ice server without urls")
		}
	}
	return nil
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			return dbPath
		}
		dbPath = filepath.Join(cwd, dbPath)
	}

	return dbPath
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
