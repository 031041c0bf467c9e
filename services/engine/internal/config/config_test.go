package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Risk.BurstCalls != 5 || cfg.Risk.BurstAmount != 10.0 {
		t.Fatalf("expected default burst thresholds, got %+v", cfg.Risk)
	}
	if cfg.Escrow.VerifySLA != 10*time.Minute {
		t.Fatalf("expected default verify SLA, got %v", cfg.Escrow.VerifySLA)
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	data := "risk:\n  burst_calls: 8\n  window: 30s\nescrow:\n  fee_rate: 0.02\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Risk.BurstCalls != 8 || cfg.Risk.Window != 30*time.Second {
		t.Fatalf("expected overrides applied, got %+v", cfg.Risk)
	}
	if cfg.Escrow.FeeRate != 0.02 {
		t.Fatalf("expected fee override, got %v", cfg.Escrow.FeeRate)
	}
	if cfg.Verify.PassFloor != 0.90 {
		t.Fatalf("expected untouched verify defaults, got %v", cfg.Verify.PassFloor)
	}
}

func TestLoadRejectsInvalidThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("verify:\n  pass_floor: 0.2\n  fail_floor: 0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for inverted verify floors")
	}
}
