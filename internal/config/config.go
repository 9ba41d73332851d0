package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	ProfileKindAgent      = "agent"
	ProfileKindCompletion = "completion"

	AgentAuthAzure  = "azure"
	AgentAuthAPIKey = "apikey"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Database    DatabaseConfig            `json:"database"`
	Redis       RedisConfig               `json:"redis"`
	Agents      AgentsConfig              `json:"agents"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Profiles    []ProfileConfig           `json:"profiles"`
	Starters    []StarterConfig           `json:"starters"`
	UI          UIConfig                  `json:"ui"`
}

type BasicConfig struct {
	ServiceName       string        `json:"service_name" env:"SERVICE_NAME"`
	Environment       string        `json:"environment" env:"ENVIRONMENT"`
	ServerAddress     string        `json:"server_address" env:"SERVER_ADDRESS"`
	LogLevel          string        `json:"log_level" env:"LOG_LEVEL"`
	MinWorkers        int           `json:"min_workers" env:"MIN_WORKERS"`
	MaxWorkers        int           `json:"max_workers" env:"MAX_WORKERS"`
	QueueSize         int           `json:"queue_size" env:"QUEUE_SIZE"`
	WorkerIdleTimeout int           `json:"worker_idle_timeout" env:"WORKER_IDLE_TIMEOUT"` // minutes
	TokenTTL          time.Duration `json:"-" env:"AUTH_TOKEN_TTL"`
	HeaderAuth        bool          `json:"header_auth" env:"HEADER_AUTH_ENABLED"`
	ShutdownTimeout   time.Duration `json:"-" env:"SHUTDOWN_TIMEOUT"`
	APIKeyCipherKey   string        `json:"-" env:"AGENTCHAT_APIKEY_KEY"`
}

type DatabaseConfig struct {
	Driver   string `json:"driver" env:"DB_DRIVER"`
	DSN      string `json:"dsn" env:"DB_DSN"`
	Host     string `json:"host" env:"DB_HOST"`
	Port     int    `json:"port" env:"DB_PORT"`
	Username string `json:"username" env:"DB_USER"`
	Password string `json:"password" env:"DB_PASSWORD"`
	DBName   string `json:"db_name" env:"DB_NAME"`
	Params   string `json:"params" env:"DB_PARAMS"`
}

// RedisConfig is optional; an empty host disables redis.
type RedisConfig struct {
	Host     string `json:"host" env:"REDIS_HOST"`
	Port     int    `json:"port" env:"REDIS_PORT"`
	Username string `json:"username" env:"REDIS_USERNAME"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// AgentsConfig describes the remote agent service.
type AgentsConfig struct {
	Endpoint     string        `json:"endpoint" env:"PROJECT_ENDPOINT"`
	AgentID      string        `json:"agent_id" env:"AGENT_ID"`
	APIKey       string        `json:"-" env:"AGENTS_API_KEY"`
	APIVersion   string        `json:"api_version" env:"AGENTS_API_VERSION"`
	AuthMode     string        `json:"auth_mode" env:"AGENTS_AUTH_MODE"`
	Scope        string        `json:"scope" env:"AGENTS_TOKEN_SCOPE"`
	PollInterval time.Duration `json:"-" env:"RUN_POLL_INTERVAL"`
	PollMax      time.Duration `json:"-" env:"RUN_POLL_MAX_INTERVAL"`
	PollTimeout  time.Duration `json:"-" env:"RUN_POLL_TIMEOUT"`
	HTTPTimeout  time.Duration `json:"-" env:"AGENTS_HTTP_TIMEOUT"`
}

type ProviderConfig struct {
	Kind       string `json:"kind"` // openai, azure-openai, claude, gemini
	BaseURL    string `json:"base_url"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key"`
	APIVersion string `json:"api_version"`
}

// ProfileConfig is one selectable chat profile shown by the UI.
type ProfileConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	AgentID     string `json:"agent_id"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Default     bool   `json:"default"`
}

type StarterConfig struct {
	Label   string `json:"label"`
	Message string `json:"message"`
	Icon    string `json:"icon"`
}

type UIConfig struct {
	AppName     string `json:"app_name" env:"UI_APP_NAME"`
	FeedbackURL string `json:"feedback_url" env:"UI_FEEDBACK_URL"`
}

// Load reads configuration from the provided JSON path (defaults to config.json),
// applies environment overrides and fills defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.applyDefaults()

	if cfg.Database.Driver == "sqlite3" && cfg.Database.DSN != ":memory:" &&
		!strings.HasPrefix(cfg.Database.DSN, "file:") && !filepath.IsAbs(cfg.Database.DSN) {
		cfg.Database.DSN = filepath.Join(filepath.Dir(absPath), cfg.Database.DSN)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServiceName == "" {
		b.ServiceName = "agentchat"
	}
	if b.Environment == "" {
		b.Environment = "development"
	}
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.TokenTTL <= 0 {
		b.TokenTTL = 24 * time.Hour
	}
	if b.ShutdownTimeout <= 0 {
		b.ShutdownTimeout = 10 * time.Second
	}

	if c.Database.Driver == "" || c.Database.Driver == "sqlite" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Driver == "sqlite3" && c.Database.DSN == "" {
		c.Database.DSN = "agentchat.db"
	}
	if c.Database.Driver == "mysql" && c.Database.Params == "" {
		c.Database.Params = "parseTime=true&charset=utf8mb4"
	}

	a := &c.Agents
	a.Endpoint = strings.TrimRight(strings.TrimSpace(a.Endpoint), "/")
	if a.APIVersion == "" {
		a.APIVersion = "v1"
	}
	if a.AuthMode == "" {
		a.AuthMode = AgentAuthAzure
		if a.APIKey != "" {
			a.AuthMode = AgentAuthAPIKey
		}
	}
	if a.Scope == "" {
		a.Scope = "https://ai.azure.com/.default"
	}
	if a.PollInterval <= 0 {
		a.PollInterval = time.Second
	}
	if a.PollMax < a.PollInterval {
		a.PollMax = a.PollInterval
	}
	if a.PollTimeout <= 0 {
		a.PollTimeout = 5 * time.Minute
	}
	if a.HTTPTimeout <= 0 {
		a.HTTPTimeout = 60 * time.Second
	}

	// A bare PROJECT_ENDPOINT/AGENT_ID setup gets one agent profile.
	if len(c.Profiles) == 0 && a.Endpoint != "" {
		c.Profiles = []ProfileConfig{{
			Name:        "agent",
			Description: "Cloud-hosted agent",
			Kind:        ProfileKindAgent,
			AgentID:     a.AgentID,
			Default:     true,
		}}
	}
	for i := range c.Profiles {
		if c.Profiles[i].Kind == "" {
			c.Profiles[i].Kind = ProfileKindAgent
		}
		if c.Profiles[i].Kind == ProfileKindAgent && c.Profiles[i].AgentID == "" {
			c.Profiles[i].AgentID = a.AgentID
		}
	}

	if c.UI.AppName == "" {
		c.UI.AppName = "Agent Chat"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if len(c.Profiles) == 0 {
		return errors.New("no chat profiles configured: set PROJECT_ENDPOINT and AGENT_ID or add profiles")
	}
	seen := make(map[string]struct{}, len(c.Profiles))
	for _, p := range c.Profiles {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return errors.New("profile name must be configured")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate profile %q", name)
		}
		seen[name] = struct{}{}
		switch p.Kind {
		case ProfileKindAgent:
			if c.Agents.Endpoint == "" {
				return fmt.Errorf("profile %q: PROJECT_ENDPOINT must be configured", name)
			}
			if p.AgentID == "" {
				return fmt.Errorf("profile %q: AGENT_ID must be configured", name)
			}
		case ProfileKindCompletion:
			if _, ok := c.Providers[p.Provider]; !ok {
				return fmt.Errorf("profile %q: provider %q not configured", name, p.Provider)
			}
		default:
			return fmt.Errorf("profile %q: unknown kind %q", name, p.Kind)
		}
	}
	switch c.Agents.AuthMode {
	case AgentAuthAzure:
	case AgentAuthAPIKey:
		if c.Agents.APIKey == "" {
			return errors.New("AGENTS_API_KEY must be set for apikey auth mode")
		}
	default:
		return fmt.Errorf("unknown agents auth mode %q", c.Agents.AuthMode)
	}
	return nil
}

// HasAgentProfiles reports whether any profile talks to the remote agent service.
func (c *Config) HasAgentProfiles() bool {
	for _, p := range c.Profiles {
		if p.Kind == ProfileKindAgent {
			return true
		}
	}
	return false
}
