package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Risk holds the anomaly monitor thresholds. The defaults are the demo
// constants the production deployment started from; any of them can be tuned
// per environment without a rebuild.
type Risk struct {
	Window           time.Duration `yaml:"window"`
	BurstCalls       int           `yaml:"burst_calls"`
	BurstAmount      float64       `yaml:"burst_amount"`
	ProviderFailures int           `yaml:"provider_failures"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	NovelCallCount   int           `yaml:"novel_call_count"`
	LargeCallAmount  float64       `yaml:"large_call_amount"`
	OutlierCeiling   float64       `yaml:"outlier_ceiling"`
}

// Escrow holds lifecycle timing and fee settings.
type Escrow struct {
	FeeRate    float64       `yaml:"fee_rate"`
	VerifySLA  time.Duration `yaml:"verify_sla"`
	LockGrace  time.Duration `yaml:"lock_grace"`
	SweepEvery time.Duration `yaml:"sweep_every"`
}

// Verify holds the tier thresholds and tier-2 fan-out settings.
type Verify struct {
	PassFloor      float64       `yaml:"pass_floor"`
	FailFloor      float64       `yaml:"fail_floor"`
	PeerPass       float64       `yaml:"peer_pass"`
	PeerFail       float64       `yaml:"peer_fail"`
	PeerQuorum     int           `yaml:"peer_quorum"`
	PeerTimeout    time.Duration `yaml:"peer_timeout"`
	PeerURLs       []string      `yaml:"peer_urls"`
	ArbiterURL     string        `yaml:"arbiter_url"`
	ArbiterTimeout time.Duration `yaml:"arbiter_timeout"`
}

// Settle holds retry policy for release/refund transfers.
type Settle struct {
	MaxRetries      uint          `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
}

type Config struct {
	AgentsPath   string `yaml:"agents_path"`
	ServicesPath string `yaml:"services_path"`
	LedgerURL    string `yaml:"ledger_url"`
	CustodyURL   string `yaml:"custody_url"`
	Risk         Risk   `yaml:"risk"`
	Escrow       Escrow `yaml:"escrow"`
	Verify       Verify `yaml:"verify"`
	Settle       Settle `yaml:"settle"`
}

func Default() Config {
	return Config{
		Risk: Risk{
			Window:           time.Minute,
			BurstCalls:       5,
			BurstAmount:      10.0,
			ProviderFailures: 3,
			FailureWindow:    time.Hour,
			NovelCallCount:   3,
			LargeCallAmount:  5.0,
			OutlierCeiling:   50.0,
		},
		Escrow: Escrow{
			FeeRate:    0.01,
			VerifySLA:  10 * time.Minute,
			LockGrace:  2 * time.Minute,
			SweepEvery: 30 * time.Second,
		},
		Verify: Verify{
			PassFloor:      0.90,
			FailFloor:      0.30,
			PeerPass:       0.70,
			PeerFail:       0.30,
			PeerQuorum:     3,
			PeerTimeout:    15 * time.Second,
			ArbiterTimeout: 30 * time.Second,
		},
		Settle: Settle{
			MaxRetries:      4,
			InitialInterval: 500 * time.Millisecond,
		},
	}
}

// Load reads a config file, applying defaults for anything unset. A missing
// or empty file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Risk.BurstCalls < 1 {
		return fmt.Errorf("risk.burst_calls must be >= 1")
	}
	if c.Risk.Window <= 0 || c.Risk.FailureWindow <= 0 {
		return fmt.Errorf("risk windows must be positive")
	}
	if c.Escrow.FeeRate < 0 || c.Escrow.FeeRate >= 1 {
		return fmt.Errorf("escrow.fee_rate must be in [0,1)")
	}
	if c.Verify.FailFloor >= c.Verify.PassFloor {
		return fmt.Errorf("verify.fail_floor must be below verify.pass_floor")
	}
	if c.Verify.PeerQuorum < 1 {
		return fmt.Errorf("verify.peer_quorum must be >= 1")
	}
	return nil
}
