package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meridian-robotics/dvio/internal/track"
)

func TestLoadMissingFile(t *testing.T) {
	tc, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	cfg := track.DefaultConfig()
	before := cfg
	tc.Apply(&cfg)
	if cfg != before {
		t.Error("empty overlay changed the defaults")
	}
}

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.json")
	doc := `{
		"huber_th": 12,
		"affine_opt_mode_a": -1,
		"imu_residual_weight": 0.5,
		"quiet": false
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	tc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := track.DefaultConfig()
	tc.Apply(&cfg)

	if cfg.HuberTH != 12 {
		t.Errorf("HuberTH = %v", cfg.HuberTH)
	}
	if cfg.AffineOptModeA != -1 {
		t.Errorf("AffineOptModeA = %v", cfg.AffineOptModeA)
	}
	if cfg.IMUResidualWeight != 0.5 {
		t.Errorf("IMUResidualWeight = %v", cfg.IMUResidualWeight)
	}
	if cfg.Quiet {
		t.Error("Quiet not overridden")
	}
	// Untouched keys keep their defaults.
	if cfg.CoarseCutoffTH != track.DefaultConfig().CoarseCutoffTH {
		t.Error("unrelated key changed")
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed JSON must error")
	}
}
