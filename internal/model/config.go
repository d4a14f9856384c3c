package model

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Pool sizing and timeout defaults. The prompt timeout is deliberately long,
// generation on a cold model can take minutes.
const (
	DefaultPoolSize       = 2
	DefaultAcquireTimeout = 30 * time.Second
	DefaultClearTimeout   = 10 * time.Second
	DefaultPromptTimeout  = 120 * time.Second
	DefaultStatsTimeout   = 10 * time.Second
	DefaultStopGrace      = 5 * time.Second
)

// EnvPrefix is the viper environment prefix, e.g. GEMBRIDGE_VERBOSE=true.
const EnvPrefix = "GEMBRIDGE"

type Config struct {
	Listen  string `yaml:"listen" mapstructure:"listen"`
	Verbose bool   `yaml:"verbose" mapstructure:"verbose"`
	CLI     CLI    `yaml:"cli" mapstructure:"cli"`
	Pool    Pool   `yaml:"pool" mapstructure:"pool"`
	Dump    Dump   `yaml:"dump" mapstructure:"dump"`
	Watch   Watch  `yaml:"watch" mapstructure:"watch"`
}

// CLI describes the wrapped interactive binary and the command strings the
// bridge sends to it. Echo must contain a single %s placeholder, it carries
// the per-call completion marker.
type CLI struct {
	Path  string   `yaml:"path" mapstructure:"path"`
	Args  []string `yaml:"args,omitempty" mapstructure:"args"`
	Model string   `yaml:"model" mapstructure:"model"`
	Clear string   `yaml:"clear" mapstructure:"clear"`
	Stats string   `yaml:"stats" mapstructure:"stats"`
	Echo  string   `yaml:"echo" mapstructure:"echo"`
}

type Pool struct {
	Size           int           `yaml:"size" mapstructure:"size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	ClearTimeout   time.Duration `yaml:"clear_timeout" mapstructure:"clear_timeout"`
	PromptTimeout  time.Duration `yaml:"prompt_timeout" mapstructure:"prompt_timeout"`
	StatsTimeout   time.Duration `yaml:"stats_timeout" mapstructure:"stats_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace" mapstructure:"stop_grace"`
}

// Dump configures the debug dump sink. Disabled by default.
type Dump struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// Watch configures the periodic pool health sweep. Cron takes precedence
// over Every when both are set.
type Watch struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Cron    string        `yaml:"cron,omitempty" mapstructure:"cron"`
	Every   time.Duration `yaml:"every,omitempty" mapstructure:"every"`
}

// DefaultConfig returns the configuration written on first run. The CLI path
// is resolved from PATH; an empty path means the lookup failed and Validate
// will reject the config unless the user fills it in.
func DefaultConfig() Config {
	path, _ := exec.LookPath("gemini")
	return Config{
		Listen: "127.0.0.1:8000",
		CLI: CLI{
			Path:  path,
			Model: "gemini-2.5-pro",
			Clear: "/clear",
			Stats: "/stats",
			Echo:  "/echo %s",
		},
		Pool: Pool{
			Size:           DefaultPoolSize,
			AcquireTimeout: DefaultAcquireTimeout,
			ClearTimeout:   DefaultClearTimeout,
			PromptTimeout:  DefaultPromptTimeout,
			StatsTimeout:   DefaultStatsTimeout,
			StopGrace:      DefaultStopGrace,
		},
		Dump: Dump{
			Dir: "./debug_dumps",
		},
		Watch: Watch{
			Every: 5 * time.Minute,
		},
	}
}

// LoadConfig reads yaml configuration from r, applies GEMBRIDGE_* environment
// overrides and validates the result.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("listen", def.Listen)
	v.SetDefault("cli.model", def.CLI.Model)
	v.SetDefault("cli.clear", def.CLI.Clear)
	v.SetDefault("cli.stats", def.CLI.Stats)
	v.SetDefault("cli.echo", def.CLI.Echo)
	v.SetDefault("pool.size", def.Pool.Size)
	v.SetDefault("pool.acquire_timeout", def.Pool.AcquireTimeout)
	v.SetDefault("pool.clear_timeout", def.Pool.ClearTimeout)
	v.SetDefault("pool.prompt_timeout", def.Pool.PromptTimeout)
	v.SetDefault("pool.stats_timeout", def.Pool.StatsTimeout)
	v.SetDefault("pool.stop_grace", def.Pool.StopGrace)
	v.SetDefault("dump.dir", def.Dump.Dir)
	v.SetDefault("watch.every", def.Watch.Every)
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.CLI.Path == "" {
		errs = append(errs, errors.New("cli.path must be set: no gemini binary found in PATH"))
	}
	if c.CLI.Echo != "" && strings.Count(c.CLI.Echo, "%s") != 1 {
		errs = append(errs, errors.New("cli.echo must contain exactly one %s placeholder"))
	}
	if c.Pool.Size < 1 {
		errs = append(errs, fmt.Errorf("pool.size must be at least 1, got %d", c.Pool.Size))
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"pool.acquire_timeout", c.Pool.AcquireTimeout},
		{"pool.clear_timeout", c.Pool.ClearTimeout},
		{"pool.prompt_timeout", c.Pool.PromptTimeout},
		{"pool.stats_timeout", c.Pool.StatsTimeout},
		{"pool.stop_grace", c.Pool.StopGrace},
	} {
		if t.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", t.name, t.d))
		}
	}
	if c.Dump.Enabled && c.Dump.Dir == "" {
		errs = append(errs, errors.New("dump.dir must be set when dump is enabled"))
	}
	if c.Watch.Enabled && c.Watch.Cron == "" && c.Watch.Every <= 0 {
		errs = append(errs, errors.New("watch requires either cron or every"))
	}
	return errors.Join(errs...)
}

// Store writes c as yaml into w, used for creating the default config file.
func (c Config) Store(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}
