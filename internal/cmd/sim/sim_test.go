package sim

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8090 {
		t.Fatalf("port = %d, want 8090", cfg.Port)
	}
	if cfg.PersistDebounce != 500*time.Millisecond {
		t.Fatalf("debounce = %v", cfg.PersistDebounce)
	}
	if cfg.IdleTTL != 30*time.Minute {
		t.Fatalf("idle ttl = %v", cfg.IdleTTL)
	}
	if cfg.RingCapacity != 5000 {
		t.Fatalf("ring capacity = %d", cfg.RingCapacity)
	}
	if cfg.NATSURL != "" {
		t.Fatalf("nats url = %q, want disabled", cfg.NATSURL)
	}
	if got := cfg.Options().HealthAddr; got != ":8090" {
		t.Fatalf("health addr = %q", got)
	}
}

func TestParseConfigEnvAndFlags(t *testing.T) {
	t.Setenv("WARDSIM_SIM_SOFT_LIMIT_USD", "0.25")
	t.Setenv("WARDSIM_USD_PER_OUTPUT_TOKEN", "0.5")
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-addr", "127.0.0.1:9999", "-hard-limit-usd", "1", "-nats-url", "nats://localhost:4222"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	opts := cfg.Options()
	if opts.HealthAddr != "127.0.0.1:9999" {
		t.Fatalf("addr = %q", opts.HealthAddr)
	}
	if opts.Limits.SoftUSD != 0.25 || opts.Limits.HardUSD != 1 {
		t.Fatalf("limits = %+v", opts.Limits)
	}
	if opts.Rates.USDPerOutputToken != 0.5 {
		t.Fatalf("rates = %+v", opts.Rates)
	}
	if opts.NATSURL != "nats://localhost:4222" {
		t.Fatalf("nats = %q", opts.NATSURL)
	}
}

func TestParseConfigRejectsInvertedLimits(t *testing.T) {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-soft-limit-usd", "5", "-hard-limit-usd", "1"}); err == nil {
		t.Fatal("expected error for soft > hard")
	}
}
