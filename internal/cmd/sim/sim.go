// Package sim parses sim command flags and starts the session service.
package sim

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/wardsim/internal/platform/cmd"
	server "github.com/louisbranch/wardsim/internal/services/sim/app"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/budget"
)

// Config holds sim command configuration. Variables are read with the
// WARDSIM_ prefix.
type Config struct {
	Port        int    `env:"SIM_PORT" envDefault:"8090"`
	Addr        string `env:"SIM_ADDR"`
	MetricsAddr string `env:"SIM_METRICS_ADDR" envDefault:":9464"`
	DBPath      string `env:"SIM_DB_PATH" envDefault:"data/sim.db"`

	NATSURL       string `env:"NATS_URL"`
	SubjectPrefix string `env:"SIM_SUBJECT_PREFIX" envDefault:"wardsim"`

	USDPerInputToken  float64 `env:"USD_PER_INPUT_TOKEN" envDefault:"0.0000025"`
	USDPerOutputToken float64 `env:"USD_PER_OUTPUT_TOKEN" envDefault:"0.00001"`
	USDPerVoiceSecond float64 `env:"USD_PER_VOICE_SECOND" envDefault:"0.0001"`
	SoftLimitUSD      float64 `env:"SIM_SOFT_LIMIT_USD" envDefault:"1.50"`
	HardLimitUSD      float64 `env:"SIM_HARD_LIMIT_USD" envDefault:"3.00"`

	PersistDebounce time.Duration `env:"SIM_PERSIST_DEBOUNCE" envDefault:"500ms"`
	RingCapacity    int           `env:"SIM_EVENT_RING_CAPACITY" envDefault:"5000"`
	IdleTTL         time.Duration `env:"SIM_IDLE_TTL" envDefault:"30m"`
	SweepInterval   time.Duration `env:"SIM_SWEEP_INTERVAL" envDefault:"1m"`
	ScenarioDir     string        `env:"SIM_SCENARIO_DIR"`
	DefaultScenario string        `env:"SIM_DEFAULT_SCENARIO" envDefault:"chest_pain_stemi"`

	ProviderURL     string `env:"AI_PROVIDER_URL"`
	ProviderModel   string `env:"AI_PROVIDER_MODEL"`
	ProviderAPIKey  string `env:"AI_PROVIDER_API_KEY"`
	MaxOutputTokens int    `env:"AI_MAX_OUTPUT_TOKENS" envDefault:"300"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The sim health server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The sim health listen address (overrides -port)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL (empty disables the bus)")
	fs.StringVar(&cfg.SubjectPrefix, "subject-prefix", cfg.SubjectPrefix, "NATS subject prefix")
	fs.Float64Var(&cfg.SoftLimitUSD, "soft-limit-usd", cfg.SoftLimitUSD, "Per-session soft budget in USD")
	fs.Float64Var(&cfg.HardLimitUSD, "hard-limit-usd", cfg.HardLimitUSD, "Per-session hard budget in USD")
	fs.DurationVar(&cfg.PersistDebounce, "persist-debounce", cfg.PersistDebounce, "Minimum interval between unchanged writes")
	fs.DurationVar(&cfg.IdleTTL, "idle-ttl", cfg.IdleTTL, "Evict sessions idle this long")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Idle sweep interval")
	fs.StringVar(&cfg.ScenarioDir, "scenarios", cfg.ScenarioDir, "Directory of extra scenario YAML files")
	fs.StringVar(&cfg.DefaultScenario, "default-scenario", cfg.DefaultScenario, "Scenario for sessions created without one")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SoftLimitUSD < 0 || c.HardLimitUSD < 0 {
		return fmt.Errorf("budget limits must be non-negative")
	}
	if c.HardLimitUSD > 0 && c.SoftLimitUSD > c.HardLimitUSD {
		return fmt.Errorf("soft limit %.2f exceeds hard limit %.2f", c.SoftLimitUSD, c.HardLimitUSD)
	}
	if c.RingCapacity <= 0 {
		return fmt.Errorf("event ring capacity must be positive")
	}
	return nil
}

// Options converts the config into server options.
func (c Config) Options() server.Options {
	addr := c.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", c.Port)
	}
	return server.Options{
		HealthAddr:    addr,
		MetricsAddr:   c.MetricsAddr,
		DBPath:        c.DBPath,
		NATSURL:       c.NATSURL,
		SubjectPrefix: c.SubjectPrefix,
		Rates: budget.Rates{
			USDPerInputToken:  c.USDPerInputToken,
			USDPerOutputToken: c.USDPerOutputToken,
			USDPerVoiceSecond: c.USDPerVoiceSecond,
		},
		Limits:          budget.Limits{SoftUSD: c.SoftLimitUSD, HardUSD: c.HardLimitUSD},
		Debounce:        c.PersistDebounce,
		RingCapacity:    c.RingCapacity,
		IdleTTL:         c.IdleTTL,
		SweepInterval:   c.SweepInterval,
		ScenarioDir:     c.ScenarioDir,
		DefaultScenario: c.DefaultScenario,
		ProviderURL:     c.ProviderURL,
		ProviderModel:   c.ProviderModel,
		ProviderAPIKey:  c.ProviderAPIKey,
		MaxOutputTokens: c.MaxOutputTokens,
	}
}

// Run starts the sim service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSim, func(context.Context) error {
		return server.Run(ctx, cfg.Options())
	})
}
