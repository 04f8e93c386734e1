package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// KnownVoices lists the assistant voices the realtime API accepts. Used by
// [Validate] to warn about probable typos; unknown names are not rejected
// because the set grows server-side.
var KnownVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse",
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Environment wins over
// file values so secrets can stay out of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NEVIL_API_KEY"); v != "" {
		cfg.Session.APIKey = v
	}
	if v := os.Getenv("NEVIL_MODEL"); v != "" {
		cfg.Session.Model = v
	}
	if v := os.Getenv("NEVIL_VOICE"); v != "" {
		cfg.Session.Voice = v
	}
	if v := os.Getenv("NEVIL_WAV_DIR"); v != "" {
		cfg.Synthesis.WAVDir = v
	}
	if v := os.Getenv("NEVIL_POSTGRES_DSN"); v != "" {
		cfg.Memory.PostgresDSN = v
	}
	if v := os.Getenv("NEVIL_GATE_ON_SILENCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("NEVIL_GATE_ON_SILENCE is not a boolean, ignoring", "value", v)
		} else {
			cfg.Audio.GateOnSilence = &b
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Session
	if cfg.Session.APIKey == "" {
		errs = append(errs, errors.New("session.api_key is required (or set NEVIL_API_KEY)"))
	}
	if cfg.Session.Voice != "" && !slices.Contains(KnownVoices, cfg.Session.Voice) {
		slog.Warn("unknown voice name, may be a typo or a newly released voice",
			"voice", cfg.Session.Voice,
			"known", KnownVoices,
		)
	}

	// Audio
	if cfg.Audio.Gain < 0 {
		errs = append(errs, fmt.Errorf("audio.gain %.2f must not be negative", cfg.Audio.Gain))
	}
	if cfg.Audio.Gain > 16 {
		errs = append(errs, fmt.Errorf("audio.gain %.2f is out of range (0, 16]", cfg.Audio.Gain))
	}
	if cfg.Audio.VADThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.vad_threshold %.1f must not be negative", cfg.Audio.VADThreshold))
	}
	for _, ms := range []struct {
		name  string
		value int
	}{
		{"audio.min_speech_ms", cfg.Audio.MinSpeechMs},
		{"audio.prefix_pad_ms", cfg.Audio.PrefixPadMs},
		{"audio.trailing_pad_ms", cfg.Audio.TrailingPadMs},
		{"audio.commit_cooldown_ms", cfg.Audio.CommitCooldownMs},
	} {
		if ms.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", ms.name, ms.value))
		}
	}

	// Synthesis
	if cfg.Synthesis.Retention < 0 {
		errs = append(errs, fmt.Errorf("synthesis.retention %d must not be negative", cfg.Synthesis.Retention))
	}

	// Cognition
	if cfg.Cognition.MaxToolChain < 0 {
		errs = append(errs, fmt.Errorf("cognition.max_tool_chain %d must not be negative", cfg.Cognition.MaxToolChain))
	}

	// Memory
	if cfg.Memory.PostgresDSN != "" && cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must not be negative", cfg.Memory.EmbeddingDimensions))
	}
	if cfg.Memory.PostgresDSN == "" && cfg.Memory.EmbeddingDimensions > 0 {
		slog.Warn("memory.embedding_dimensions is set but memory.postgres_dsn is empty; long-term memory stays disabled")
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if srv.Command == "" && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s needs a command or a url", prefix))
		}
		if srv.Command != "" && srv.URL != "" {
			errs = append(errs, fmt.Errorf("%s: command and url are mutually exclusive", prefix))
		}
	}

	return errors.Join(errs...)
}
