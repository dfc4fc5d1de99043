package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/guerillaglass/glassengine/pkg/client"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

// Environment variables that override file settings.
const (
	EnvEnginePath  = "GG_ENGINE_PATH"
	EnvLogLevel    = "LOG_LEVEL"
	EnvJournalPath = "GG_JOURNAL_PATH"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the on-disk configuration of glassctl and anything embedding
// the engine client.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Timeouts  TimeoutConfig    `yaml:"timeouts"`
	Restart   RestartConfig    `yaml:"restart"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Journal   JournalConfig    `yaml:"journal"`
	Policy    PolicyConfig     `yaml:"policy"`
}

// EngineConfig locates and launches the engine executable.
type EngineConfig struct {
	// Path is the engine executable. Empty resolves through
	// ResolveEnginePath.
	Path string `yaml:"path"`

	Args []string `yaml:"args"`

	// Env is added to the inherited environment.
	Env map[string]string `yaml:"env"`

	Dir string `yaml:"dir"`

	StopGracePeriod Duration `yaml:"stop_grace_period" validate:"gte=0"`
}

// TimeoutConfig is the per-method timeout policy. A zero or negative method
// timeout exempts the method.
type TimeoutConfig struct {
	Default Duration            `yaml:"default" validate:"gte=0"`
	Methods map[string]Duration `yaml:"methods"`
}

// RestartConfig is the crash restart policy.
type RestartConfig struct {
	Backoff             Duration `yaml:"backoff" validate:"gte=0"`
	Jitter              Duration `yaml:"jitter" validate:"gte=0"`
	MaxAttemptsInWindow int      `yaml:"max_attempts_in_window" validate:"gte=1"`
	Window              Duration `yaml:"window" validate:"gt=0"`
	CircuitOpen         Duration `yaml:"circuit_open" validate:"gt=0"`
}

// JournalConfig controls the SQLite lifecycle journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`

	// Retention prunes older entries on open. Zero keeps everything.
	Retention Duration `yaml:"retention" validate:"gte=0"`
}

// PolicyConfig controls the Rego guard that vets calls before they reach
// the engine.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are .rego or .json files, or directories of them, loaded in
	// addition to the built-in policies.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Disabled names policies to turn off.
	Disabled []string `yaml:"disabled" validate:"dive,required"`

	// Interactive marks the caller as able to answer permission prompts.
	Interactive bool `yaml:"interactive"`

	AllowDestructive bool `yaml:"allow_destructive"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cc := client.DefaultConfig()

	methods := make(map[string]Duration, len(cc.RequestTimeoutByMethod))
	for method, d := range cc.RequestTimeoutByMethod {
		methods[method] = Duration(d)
	}

	return &Config{
		Engine: EngineConfig{
			StopGracePeriod: Duration(cc.StopGracePeriod),
		},
		Timeouts: TimeoutConfig{
			Default: Duration(cc.DefaultTimeout),
			Methods: methods,
		},
		Restart: RestartConfig{
			Backoff:             Duration(cc.RestartBackoff),
			Jitter:              Duration(cc.RestartJitter),
			MaxAttemptsInWindow: cc.MaxRestartAttemptsInWindow,
			Window:              Duration(cc.RestartWindow),
			CircuitOpen:         Duration(cc.RestartCircuitOpen),
		},
		Telemetry: *telemetry.DefaultConfig(),
		Journal: JournalConfig{
			Path:      defaultJournalPath(),
			Retention: Duration(30 * 24 * time.Hour),
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
	}
}

func defaultJournalPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "glassengine-journal.db"
	}
	return dir + string(os.PathSeparator) + "guerillaglass" + string(os.PathSeparator) + "engine-journal.db"
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvEnginePath); v != "" {
		c.Engine.Path = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = v
	}
	if v := getenv(EnvJournalPath); v != "" {
		c.Journal.Path = v
		c.Journal.Enabled = true
	}
}

// ClientConfig converts the file settings into a client configuration. The
// engine environment is the current environment plus Engine.Env.
func (c *Config) ClientConfig() client.Config {
	methods := make(map[string]time.Duration, len(c.Timeouts.Methods))
	for method, d := range c.Timeouts.Methods {
		methods[method] = d.Std()
	}

	var env []string
	if len(c.Engine.Env) > 0 {
		env = os.Environ()
		for _, key := range slices.Sorted(maps.Keys(c.Engine.Env)) {
			env = append(env, key+"="+c.Engine.Env[key])
		}
	}

	return client.Config{
		DefaultTimeout:             c.Timeouts.Default.Std(),
		RequestTimeoutByMethod:     methods,
		RestartBackoff:             c.Restart.Backoff.Std(),
		RestartJitter:              c.Restart.Jitter.Std(),
		MaxRestartAttemptsInWindow: c.Restart.MaxAttemptsInWindow,
		RestartWindow:              c.Restart.Window.Std(),
		RestartCircuitOpen:         c.Restart.CircuitOpen.Std(),
		Args:                       slices.Clone(c.Engine.Args),
		Env:                        env,
		Dir:                        c.Engine.Dir,
		StopGracePeriod:            c.Engine.StopGracePeriod.Std(),
	}
}
