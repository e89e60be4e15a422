package main

import (
	"testing"

	"cuebox/internal/config"
)

func TestStateStorePathJoinsStateDir(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = "/var/lib/qlab-box"
	if got, want := stateStorePath(cfg), "/var/lib/qlab-box/state.json"; got != want {
		t.Errorf("stateStorePath() = %q, want %q", got, want)
	}
}

func TestRoleSuffixesFromConfigCarriesAllFields(t *testing.T) {
	cfg := config.Default()
	suf := roleSuffixesFromConfig(cfg)
	if suf.SuffixMain != cfg.SuffixMain || suf.SuffixBackup != cfg.SuffixBackup || suf.SuffixAux1 != cfg.SuffixAux1 {
		t.Errorf("roleSuffixesFromConfig() suffixes = %+v, want to match config", suf)
	}
	if suf.ExpectedWSMain != cfg.ExpectedWSMain || suf.ExpectedWSBackup != cfg.ExpectedWSBackup {
		t.Errorf("roleSuffixesFromConfig() expected names = %+v, want to match config", suf)
	}
}

func TestLoadConfigOrDefaultFallsBackOnMissingFile(t *testing.T) {
	cfg := loadConfigOrDefault("/nonexistent/path/config.yaml")
	if cfg.QLabPort != config.Default().QLabPort {
		t.Errorf("loadConfigOrDefault() with missing file should fall back to defaults")
	}
}
