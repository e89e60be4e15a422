// Package config loads the user-editable YAML configuration: network
// ports, workspace naming suffixes, GPIO pin map, and timing constants.
// This is distinct from the runtime-owned persisted pairing record (see
// internal/store), which is never hand-edited.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in spec.md §6 and §9.
type Config struct {
	// Network
	QLabPort     int    `yaml:"qlab_port"`
	PiListenIP   string `yaml:"pi_listen_ip"`
	PiReplyPort  int    `yaml:"pi_reply_port"`
	OSCPasscode  string `yaml:"osc_passcode"`
	DiscoveryIP  string `yaml:"discovery_bcast_ip"`
	DiscoveryWait float64 `yaml:"discovery_wait_sec"`

	// Workspace naming
	ExpectedWSMain   string `yaml:"expected_ws_main"`
	ExpectedWSBackup string `yaml:"expected_ws_backup"`
	SuffixMain       string `yaml:"suffix_main"`
	SuffixBackup     string `yaml:"suffix_backup"`
	SuffixAux1       string `yaml:"suffix_aux1"`

	// Persistence / logs
	LogDir   string `yaml:"log_dir"`
	StateDir string `yaml:"state_dir"`

	// Daemon behaviour
	StartupForceUnpair bool    `yaml:"startup_force_unpair"`
	PairHoldRestartSec float64 `yaml:"pair_hold_restart_sec"`
	ReconcileEvery     float64 `yaml:"reconcile_every"`
	BackupOptional     bool    `yaml:"backup_optional"`
	AuxOptional        bool    `yaml:"aux_optional"`

	// LEDs
	WS2812Enabled bool    `yaml:"ws2812_enabled"`
	MasterDim     float64 `yaml:"master_dim"`
	PinLEDData    int     `yaml:"pin_led_data"`
	LEDCount      int     `yaml:"led_count"`
	LEDBrightness int     `yaml:"led_brightness"`

	// GPIO
	PinBtnGo  int `yaml:"pin_btn_go"`
	PinBtnPause int `yaml:"pin_btn_pause"`
	PinBtnPanic int `yaml:"pin_btn_panic"`
	EncCLK      int `yaml:"enc_clk"`
	EncDT       int `yaml:"enc_dt"`
	EncSW       int `yaml:"enc_sw"`

	BtnBounceSec         float64 `yaml:"btn_bounce_sec"`
	BtnHoldIgnoreSec      float64 `yaml:"btn_hold_ignore_sec"`
	EncoderCooldownSec    float64 `yaml:"encoder_event_cooldown_sec"`
	EncoderGlitchSec      float64 `yaml:"encoder_dir_glitch_sec"`

}

// Default returns the configuration baked into the distributed
// config.yaml, matching the values in original_source/config/user_config.py.
func Default() Config {
	return Config{
		QLabPort:      53000,
		PiListenIP:    "0.0.0.0",
		PiReplyPort:   53001,
		OSCPasscode:   "7777",
		DiscoveryIP:   "255.255.255.255",
		DiscoveryWait: 1.2,

		ExpectedWSMain:   "show_main",
		ExpectedWSBackup: "show_backup",
		SuffixMain:       "_main",
		SuffixBackup:     "_backup",
		SuffixAux1:       "_aux1",

		LogDir:   "/var/log/qlab-box",
		StateDir: "/var/lib/qlab-box",

		StartupForceUnpair: true,
		PairHoldRestartSec: 3.0,
		ReconcileEvery:     5.0,
		BackupOptional:     false,
		AuxOptional:        true,

		WS2812Enabled: true,
		MasterDim:     0.18,
		PinLEDData:    18,
		LEDCount:      3,
		LEDBrightness: 255,

		PinBtnGo:    5,
		PinBtnPause: 6,
		PinBtnPanic: 12,
		EncCLK:      17,
		EncDT:       27,
		EncSW:       22,

		BtnBounceSec:       0.08,
		BtnHoldIgnoreSec:   0.25,
		EncoderCooldownSec: 0.12,
		EncoderGlitchSec:   0.03,
	}
}

// Load reads and decodes a YAML config file. A missing file yields the
// Default() configuration (never fails the caller) so a fresh box boots
// with sane defaults; a malformed file is reported via the returned error
// but callers are expected to fall back to Default() rather than abort
// (StateCorrupt handling per spec.md §7).
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Write persists cfg back to path, using the same tmp-file-then-rename
// technique as the teacher's config.write (main.go, LightwaveRF-go) so a
// crash mid-write never leaves a truncated config.yaml.
func (c *Config) Write(path string) error {
	dir := "."
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		dir = path[:idx]
	}

	f, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}
