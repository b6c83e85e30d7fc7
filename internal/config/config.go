package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration loaded from tracker.toml.
type Config struct {
	Server ServerConfig `toml:"server"`
	Client ClientConfig `toml:"client"`
}

// ServerConfig configures the session tracker server.
type ServerConfig struct {
	// HTTP listen address (e.g. ":9001").
	Listen string `toml:"listen"`
	// Route the default tracker is mounted at. Always ends with "/".
	Route string `toml:"route"`
	// How long a session outlives its closed connection before it is
	// dropped. Zero drops it immediately.
	SessionGrace time.Duration `toml:"session_grace"`
	// Central tracker to link to on start (initServerToServerConnect).
	CentralURL *string `toml:"central_url,omitempty"`
}

// ClientConfig configures a session connection to a tracker.
type ClientConfig struct {
	// Tracker base URL, e.g. "http://localhost:9001/nodejs/SessionTracker/".
	URL              string        `toml:"url"`
	Username         string        `toml:"username"`
	WorldURL         string        `toml:"world_url"`
	RegisterTimeout  time.Duration `toml:"register_timeout"`
	ActivityInterval time.Duration `toml:"activity_interval"`
	// Answer remoteEvalRequest messages by evaluating their expression
	// locally. Off unless set explicitly.
	AllowRemoteEval bool `toml:"allow_remote_eval"`
	// Websocket codec: "json" or "cbor".
	Codec string `toml:"codec"`
}

// Defaults.
const (
	DefaultListen           = ":9001"
	DefaultRoute            = "/nodejs/SessionTracker/"
	DefaultSessionGrace     = 70 * time.Second
	DefaultRegisterTimeout  = 60 * time.Second
	DefaultActivityInterval = 20 * time.Second
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       DefaultListen,
			Route:        DefaultRoute,
			SessionGrace: DefaultSessionGrace,
		},
		Client: ClientConfig{
			URL:              "http://localhost" + DefaultListen + DefaultRoute,
			Username:         defaultUser(),
			RegisterTimeout:  DefaultRegisterTimeout,
			ActivityInterval: DefaultActivityInterval,
			Codec:            "json",
		},
	}
}

// defaultUser derives a user name from USER, falling back to "anonymous".
func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}

// NormalizeRoute makes route absolute and slash-terminated.
func NormalizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	if !strings.HasSuffix(route, "/") {
		route += "/"
	}
	return route
}

// ValidateRoute rejects routes that would shadow the server's own
// endpoints.
func ValidateRoute(route string) error {
	switch NormalizeRoute(route) {
	case "/", "/server-manager/", "/healthz/":
		return fmt.Errorf("route %q is reserved", route)
	}
	return nil
}

// LoadConfig reads tracker.toml from dataDir, applies environment variable
// overrides, and validates the result.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "tracker.toml")

	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if v := os.Getenv("LIVETRACK_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("LIVETRACK_ROUTE"); v != "" {
		cfg.Server.Route = v
	}
	if cfg.Server.CentralURL == nil {
		if v := os.Getenv("LIVETRACK_CENTRAL_URL"); v != "" {
			cfg.Server.CentralURL = &v
		}
	}
	if v := os.Getenv("LIVETRACK_URL"); v != "" {
		cfg.Client.URL = v
	}
	if v := os.Getenv("LIVETRACK_USER"); v != "" {
		cfg.Client.Username = v
	}
	if v := os.Getenv("LIVETRACK_ALLOW_REMOTE_EVAL"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("LIVETRACK_ALLOW_REMOTE_EVAL: %w", err)
		}
		cfg.Client.AllowRemoteEval = allow
	}

	cfg.Server.Route = NormalizeRoute(cfg.Server.Route)
	if err := ValidateRoute(cfg.Server.Route); err != nil {
		return nil, err
	}
	if cfg.Server.SessionGrace < 0 {
		return nil, fmt.Errorf("session_grace must not be negative")
	}
	if cfg.Client.RegisterTimeout <= 0 {
		cfg.Client.RegisterTimeout = DefaultRegisterTimeout
	}
	if cfg.Client.ActivityInterval <= 0 {
		cfg.Client.ActivityInterval = DefaultActivityInterval
	}
	switch cfg.Client.Codec {
	case "", "json", "cbor":
	default:
		return nil, fmt.Errorf("unknown codec %q (want json or cbor)", cfg.Client.Codec)
	}

	return cfg, nil
}

// Save writes the Config to tracker.toml inside dataDir, creating the
// directory if necessary.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, "tracker.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding tracker.toml: %w", err)
	}
	return nil
}
