package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire socsim configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Bus         BusConfig         `yaml:"bus"`
	Generator   GeneratorConfig   `yaml:"generator"`
	EDR         EDRConfig         `yaml:"edr"`
	SOAR        SOARConfig        `yaml:"soar"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Auth        AuthConfig        `yaml:"auth"`
	Dataset     DatasetConfig     `yaml:"dataset"`
	Webhooks    WebhookConfig     `yaml:"webhooks"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port"`
	APIKeys     map[string]APIKey `yaml:"api_keys"`
	CORSOrigins []string          `yaml:"cors_origins"`
	RateLimit   float64           `yaml:"rate_limit"`
	RateBurst   int               `yaml:"rate_burst"`
}

// APIKey binds a key to the principal it acts as.
type APIKey struct {
	Name string `yaml:"name"`
	Role Role   `yaml:"role"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// GeneratorConfig holds live feed settings.
type GeneratorConfig struct {
	Seed         int64         `yaml:"seed"`
	Capacity     int           `yaml:"capacity"`
	BaseInterval time.Duration `yaml:"base_interval"`
	Speed        int           `yaml:"speed"`
	AutoStart    bool          `yaml:"auto_start"`
	Muted        bool          `yaml:"muted"`
}

// EDRConfig holds device response settings.
type EDRConfig struct {
	TriageDelay   time.Duration `yaml:"triage_delay"`
	MaxLogEntries int           `yaml:"max_log_entries"`
}

// SOARConfig holds playbook orchestration settings.
type SOARConfig struct {
	StepLatencyMin time.Duration `yaml:"step_latency_min"`
	StepLatencyMax time.Duration `yaml:"step_latency_max"`
	JitterSeed     int64         `yaml:"jitter_seed"`
}

// PersistenceConfig selects the snapshot store.
type PersistenceConfig struct {
	Backend string `yaml:"backend"` // "memory", "file" or "nats"
	Dir     string `yaml:"dir"`
	Bucket  string `yaml:"bucket"`
}

// AuthConfig holds authorization settings.
type AuthConfig struct {
	// DefaultPrincipal acts for requests when no API keys are configured.
	DefaultPrincipal APIKey `yaml:"default_principal"`
	// Overrides replaces the required role per operation, e.g. "device.isolate": admin.
	Overrides map[string]Role `yaml:"overrides"`
}

// DatasetConfig points at the inventory file.
type DatasetConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	BufferSize int    `yaml:"buffer_size"`
}

// DefaultConfig returns a Config with sane defaults; zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      1790,
			RateLimit: 20,
			RateBurst: 40,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Generator: GeneratorConfig{
			Seed:         1337,
			Capacity:     DefaultEventBufferCapacity,
			BaseInterval: DefaultBaseInterval,
			Speed:        1,
		},
		EDR: EDRConfig{
			TriageDelay:   DefaultTriageDelay,
			MaxLogEntries: 10000,
		},
		SOAR: SOARConfig{
			StepLatencyMin: DefaultStepLatencyMin,
			StepLatencyMax: DefaultStepLatencyMax,
			JitterSeed:     42,
		},
		Persistence: PersistenceConfig{
			Backend: "memory",
			Dir:     "./data/snapshots",
			Bucket:  "socsim_state",
		},
		Auth: AuthConfig{
			DefaultPrincipal: APIKey{Name: "analyst", Role: RoleResponder},
		},
		Webhooks: DefaultWebhookConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			BufferSize: DefaultLogBufferSize,
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	// Load an admin API key from environment if none is set in config
	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("SOCSIM_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = map[string]APIKey{envKey: {Name: "env", Role: RoleAdmin}}
		}
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the configuration. Errors prevent startup; warnings are
// printed and ignored.
func (c *Config) Validate() (warnings []string, errs []string) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimit <= 0 {
		warnings = append(warnings, "server.rate_limit is not positive; API rate limiting disabled")
	}
	for key, k := range c.Server.APIKeys {
		if key == "" || k.Name == "" {
			errs = append(errs, "server.api_keys entries need a key and a name")
			break
		}
	}
	if len(c.Server.APIKeys) == 0 && c.Auth.DefaultPrincipal.Role >= RoleResponder {
		warnings = append(warnings, fmt.Sprintf("no API keys configured; every request acts as %q (%s)",
			c.Auth.DefaultPrincipal.Name, c.Auth.DefaultPrincipal.Role))
	}

	if c.Generator.Capacity <= 0 {
		errs = append(errs, "generator.capacity must be positive")
	}
	if c.Generator.BaseInterval <= 0 {
		errs = append(errs, "generator.base_interval must be positive")
	}
	if !validSpeeds[c.Generator.Speed] {
		errs = append(errs, fmt.Sprintf("generator.speed %d must be 1, 2 or 5", c.Generator.Speed))
	}

	if c.SOAR.StepLatencyMin < 0 || c.SOAR.StepLatencyMax < c.SOAR.StepLatencyMin {
		errs = append(errs, "soar.step_latency_min/max must satisfy 0 <= min <= max")
	}

	switch c.Persistence.Backend {
	case "memory":
		warnings = append(warnings, "persistence.backend is memory; device and playbook state is lost on exit")
	case "file":
		if c.Persistence.Dir == "" {
			errs = append(errs, "persistence.dir is required for the file backend")
		}
	case "nats":
		if !c.Bus.Enabled {
			errs = append(errs, "persistence.backend nats requires bus.enabled")
		}
		if c.Persistence.Bucket == "" {
			errs = append(errs, "persistence.bucket is required for the nats backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown persistence.backend %q", c.Persistence.Backend))
	}

	switch c.Logging.Format {
	case "json", "console", "":
	default:
		warnings = append(warnings, fmt.Sprintf("logging.format %q unknown; using console", c.Logging.Format))
	}

	if c.Bus.Enabled && !c.Bus.Embedded && c.Bus.URL == "" {
		errs = append(errs, "bus.url is required when the bus is not embedded")
	}
	for i, t := range c.Webhooks.Targets {
		if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
			errs = append(errs, fmt.Sprintf("webhooks.targets[%d]: url %q must be http(s)", i, t.URL))
		}
		for _, tp := range t.Topics {
			if !knownTopics[tp] {
				warnings = append(warnings, fmt.Sprintf("webhooks.targets[%d]: unknown topic %q", i, tp))
			}
		}
	}

	for op := range c.Auth.Overrides {
		if !strings.Contains(op, ".") {
			warnings = append(warnings, fmt.Sprintf("auth.overrides: %q does not look like an operation name", op))
		}
	}
	return warnings, errs
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// PrincipalForKey resolves an API key to its principal.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) PrincipalForKey(key string) (Principal, bool) {
	var (
		found Principal
		ok    bool
	)
	for valid, k := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			found, ok = Principal{Name: k.Name, Role: k.Role}, true
		}
	}
	return found, ok
}

// DefaultPrincipal is the principal used in open mode.
func (c *Config) DefaultPrincipal() Principal {
	return Principal{Name: c.Auth.DefaultPrincipal.Name, Role: c.Auth.DefaultPrincipal.Role}
}

// Authorizer builds the role table with configured overrides applied.
func (c *Config) Authorizer() *RoleAuthorizer {
	a := DefaultRoleAuthorizer()
	for op, role := range c.Auth.Overrides {
		a.Override(op, role)
	}
	return a
}
