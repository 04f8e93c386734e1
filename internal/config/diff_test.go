package config_test

import (
	"testing"

	"github.com/nevil-robotics/nevil/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Audio:  config.AudioConfig{Gain: 1.5, VADThreshold: 500},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.AudioChanged || d.InstructionsChanged {
		t.Errorf("identical configs produced diff: %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_AudioTunablesChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Audio: config.AudioConfig{VADThreshold: 500}}
	new := &config.Config{Audio: config.AudioConfig{VADThreshold: 650}}

	d := config.Diff(old, new)
	if !d.AudioChanged {
		t.Error("expected AudioChanged=true")
	}
	if d.NewAudio.VADThreshold != 650 {
		t.Errorf("NewAudio.VADThreshold = %v", d.NewAudio.VADThreshold)
	}
}

func TestDiff_DeviceChangeIsNotHotReloadable(t *testing.T) {
	t.Parallel()
	old := &config.Config{Audio: config.AudioConfig{CaptureDevice: "hw:1,0"}}
	new := &config.Config{Audio: config.AudioConfig{CaptureDevice: "hw:2,0"}}

	if d := config.Diff(old, new); d.AudioChanged {
		t.Error("device swap must not be reported as a hot-reloadable change")
	}
}

func TestDiff_InstructionsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Session: config.SessionConfig{Instructions: "You are Nevil."}}
	new := &config.Config{Session: config.SessionConfig{Instructions: "You are Nevil. Be brief."}}

	d := config.Diff(old, new)
	if !d.InstructionsChanged {
		t.Error("expected InstructionsChanged=true")
	}
	if d.NewInstructions != "You are Nevil. Be brief." {
		t.Errorf("NewInstructions = %q", d.NewInstructions)
	}
}

func TestDiff_GateOnSilenceTriState(t *testing.T) {
	t.Parallel()
	enabled := true
	old := &config.Config{}
	new := &config.Config{Audio: config.AudioConfig{GateOnSilence: &enabled}}

	// Unset and explicit true resolve to the same behaviour.
	if d := config.Diff(old, new); d.AudioChanged {
		t.Error("unset vs explicit true must not diff")
	}

	disabled := false
	new = &config.Config{Audio: config.AudioConfig{GateOnSilence: &disabled}}
	if d := config.Diff(old, new); !d.AudioChanged {
		t.Error("disabling gating must diff")
	}
}
