// Package config loads watchguard settings: defaults, then an optional YAML
// file, then WATCHGUARD_* environment variables (a .env file is read first
// when present). Command-line flags are applied last by the cli package.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no path is given and the file exists.
const DefaultFile = "watchguard.yaml"

const envPrefix = "WATCHGUARD_"

type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Player    Player    `yaml:"player"`
	Client    Client    `yaml:"client"`
	Log       Log       `yaml:"log"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Server struct {
	Addr           string        `yaml:"addr"`
	MediaRoot      string        `yaml:"media_root"`
	MediaPrefix    string        `yaml:"media_prefix"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
	Watch          bool          `yaml:"watch"`
	Auth           bool          `yaml:"auth"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	LoginInterval  time.Duration `yaml:"login_interval"`
}

type Storage struct {
	// Backend is "sqlite" or "mongo". Auth data always lives in SQLite.
	Backend     string        `yaml:"backend"`
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	Mongo       Mongo         `yaml:"mongo"`
}

type Mongo struct {
	URI              string        `yaml:"uri"`
	Database         string        `yaml:"database"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MaxPoolSize      uint64        `yaml:"max_pool_size"`
}

type Player struct {
	Tolerance      float64       `yaml:"tolerance"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DefaultQuality string        `yaml:"default_quality"`
	RequirePlaying bool          `yaml:"require_playing"`
}

type Client struct {
	ServerURL string        `yaml:"server_url"`
	Token     string        `yaml:"token"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Log struct {
	Level string `yaml:"level"`
	// Color is auto, always or never.
	Color string `yaml:"color"`
}

type Telemetry struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:           ":2000",
			MediaRoot:      "./hls-output",
			MediaPrefix:    "/hls-output",
			AllowedOrigins: []string{"*"},
			ScanInterval:   10 * time.Minute,
			Watch:          true,
			SessionTTL:     24 * time.Hour,
			LoginInterval:  time.Second,
		},
		Storage: Storage{
			Backend:     "sqlite",
			Path:        "./data/watchguard.db",
			BusyTimeout: 5 * time.Second,
			Mongo: Mongo{
				Database:         "watchguard",
				ConnectTimeout:   15 * time.Second,
				OperationTimeout: 5 * time.Second,
			},
		},
		Player: Player{
			Tolerance:      2.0,
			FlushInterval:  10 * time.Second,
			RequestTimeout: 5 * time.Second,
			DefaultQuality: "720p",
		},
		Client: Client{
			ServerURL: "http://localhost:2000",
			Timeout:   5 * time.Second,
		},
		Log: Log{Level: "info", Color: "auto"},
		Telemetry: Telemetry{
			ServiceName: "watchguard",
		},
	}
}

// Load builds the configuration. An empty path reads DefaultFile when it
// exists; a non-empty path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	_ = godotenv.Load(".env")

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("ADDR", &c.Server.Addr)
	str("MEDIA_ROOT", &c.Server.MediaRoot)
	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	dur("SCAN_INTERVAL", &c.Server.ScanInterval)
	boolean("WATCH", &c.Server.Watch)
	boolean("AUTH", &c.Server.Auth)

	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("DB_PATH", &c.Storage.Path)
	str("MONGO_URI", &c.Storage.Mongo.URI)
	str("MONGO_DATABASE", &c.Storage.Mongo.Database)

	if v, ok := lookup("TOLERANCE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %sTOLERANCE: %w", envPrefix, err))
		} else {
			c.Player.Tolerance = f
		}
	}
	dur("FLUSH_INTERVAL", &c.Player.FlushInterval)
	dur("REQUEST_TIMEOUT", &c.Player.RequestTimeout)
	str("DEFAULT_QUALITY", &c.Player.DefaultQuality)

	str("SERVER_URL", &c.Client.ServerURL)
	str("TOKEN", &c.Client.Token)
	str("USERNAME", &c.Client.Username)
	str("PASSWORD", &c.Client.Password)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_COLOR", &c.Log.Color)

	boolean("TELEMETRY", &c.Telemetry.Enabled)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	return errors.Join(errs...)
}

// Validate rejects settings the player and service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Player.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("config: player.tolerance must not be negative, got %v", c.Player.Tolerance))
	}
	if c.Player.FlushInterval <= 0 {
		errs = append(errs, errors.New("config: player.flush_interval must be positive"))
	}
	if c.Player.RequestTimeout <= 0 {
		errs = append(errs, errors.New("config: player.request_timeout must be positive"))
	}
	if c.Server.ScanInterval < 0 {
		errs = append(errs, errors.New("config: server.scan_interval must not be negative"))
	}
	switch c.Storage.Backend {
	case "sqlite":
	case "mongo":
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, errors.New("config: storage.mongo.uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Log.Color {
	case "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("config: log.color must be auto, always or never, got %q", c.Log.Color))
	}
	return errors.Join(errs...)
}

// ColorMode maps log.color to the tri-state the logger expects.
func (l Log) ColorMode() *bool {
	switch l.Color {
	case "always":
		on := true
		return &on
	case "never":
		off := false
		return &off
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
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
