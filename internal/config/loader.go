package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults when the file and environment leave a
// field unset.
const (
	DefaultMediaListenAddr    = ":8080"
	DefaultMaxConcurrentCalls = 100
	DefaultIdleNudge          = 8 * time.Second
	DefaultIdleEnd            = 24 * time.Second
	DefaultVADThresholdRatio  = 2.5
	DefaultVADKOn             = 3
	DefaultVADKOff            = 25
)

// ValidProviderNames lists known provider names per pipeline stage. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"asr": {"deepgram"},
	"tts": {"elevenlabs", "openai"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. An empty path
// builds the config from environment and defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if cfg, err = decode(f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Environment overrides are NOT applied; tests use
// this to pin configs from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from environment variables. lookup is
// normally [os.LookupEnv]; tests inject a map.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	setStr := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setStr("MEDIA_LISTEN_ADDR", &cfg.Server.MediaListenAddr)
	setStr("ADMIN_LISTEN_ADDR", &cfg.Server.AdminListenAddr)
	setStr("ASR_PROVIDER", &cfg.Providers.ASR.Name)
	setStr("ASR_API_KEY", &cfg.Providers.ASR.APIKey)
	setStr("TTS_PRIMARY", &cfg.Providers.TTSPrimary.Name)
	setStr("TTS_PRIMARY_API_KEY", &cfg.Providers.TTSPrimary.APIKey)
	setStr("TTS_SECONDARY", &cfg.Providers.TTSSecondary.Name)
	setStr("TTS_SECONDARY_API_KEY", &cfg.Providers.TTSSecondary.APIKey)
	setStr("TTS_LASTRESORT", &cfg.Providers.TTSLastResort.Name)
	setStr("TTS_LASTRESORT_API_KEY", &cfg.Providers.TTSLastResort.APIKey)
	setStr("LLM_PROVIDER", &cfg.Providers.LLM.Name)
	setStr("LLM_MODEL", &cfg.Providers.LLM.Model)
	setStr("LLM_API_KEY", &cfg.Providers.LLM.APIKey)
	setStr("ARTIFACT_SINK_URL", &cfg.Artifact.SinkURL)
	setStr("TENANT_POSTGRES_DSN", &cfg.Tenants.PostgresDSN)

	if v, ok := lookup("MAX_CONCURRENT_CALLS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxConcurrentCalls = n
		} else {
			slog.Warn("ignoring non-numeric env override", "name", "MAX_CONCURRENT_CALLS", "value", v)
		}
	}
	if v, ok := lookup("IDLE_NUDGE_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Idle.Nudge = time.Duration(n) * time.Millisecond
		} else {
			slog.Warn("ignoring non-numeric env override", "name", "IDLE_NUDGE_MS", "value", v)
		}
	}
	if v, ok := lookup("IDLE_END_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Idle.End = time.Duration(n) * time.Millisecond
		} else {
			slog.Warn("ignoring non-numeric env override", "name", "IDLE_END_MS", "value", v)
		}
	}
	if v, ok := lookup("VAD_THRESHOLD_RATIO"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.VAD.ThresholdRatio = f
		} else {
			slog.Warn("ignoring non-numeric env override", "name", "VAD_THRESHOLD_RATIO", "value", v)
		}
	}
	if v, ok := lookup("VAD_K_ON"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VAD.KOn = n
		} else {
			slog.Warn("ignoring non-numeric env override", "name", "VAD_K_ON", "value", v)
		}
	}
	if v, ok := lookup("VAD_K_OFF"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VAD.KOff = n
		} else {
			slog.Warn("ignoring non-numeric env override", "name", "VAD_K_OFF", "value", v)
		}
	}
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.MediaListenAddr == "" {
		cfg.Server.MediaListenAddr = DefaultMediaListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxConcurrentCalls == 0 {
		cfg.Server.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if cfg.Idle.Nudge == 0 {
		cfg.Idle.Nudge = DefaultIdleNudge
	}
	if cfg.Idle.End == 0 {
		cfg.Idle.End = DefaultIdleEnd
	}
	if cfg.VAD.ThresholdRatio == 0 {
		cfg.VAD.ThresholdRatio = DefaultVADThresholdRatio
	}
	if cfg.VAD.KOn == 0 {
		cfg.VAD.KOn = DefaultVADKOn
	}
	if cfg.VAD.KOff == 0 {
		cfg.VAD.KOff = DefaultVADKOff
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent_calls %d must not be negative", cfg.Server.MaxConcurrentCalls))
	}

	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("tts", cfg.Providers.TTSPrimary.Name)
	validateProviderName("tts", cfg.Providers.TTSSecondary.Name)
	validateProviderName("tts", cfg.Providers.TTSLastResort.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	if cfg.Providers.TTSPrimary.Name == "" && cfg.Providers.TTSLastResort.Name == "" {
		slog.Warn("no TTS provider configured; calls cannot speak")
	}

	if cfg.VAD.ThresholdRatio <= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold_ratio %.2f must be greater than 1", cfg.VAD.ThresholdRatio))
	}
	if cfg.VAD.KOn < 1 {
		errs = append(errs, fmt.Errorf("vad.k_on %d must be at least 1", cfg.VAD.KOn))
	}
	if cfg.VAD.KOff < 15 || cfg.VAD.KOff > 75 {
		errs = append(errs, fmt.Errorf("vad.k_off %d is out of range [15, 75]", cfg.VAD.KOff))
	}

	if cfg.Idle.Nudge <= 0 {
		errs = append(errs, fmt.Errorf("idle.nudge %v must be positive", cfg.Idle.Nudge))
	}
	if cfg.Idle.End <= cfg.Idle.Nudge {
		errs = append(errs, fmt.Errorf("idle.end %v must exceed idle.nudge %v", cfg.Idle.End, cfg.Idle.Nudge))
	}

	if cfg.Tenants.PostgresDSN == "" && cfg.Tenants.StaticPath == "" {
		slog.Warn("no tenant store configured; every call will resolve as unknown number")
	}

	return errors.Join(errs...)
}

// validateProviderName warns about unrecognised provider names for a stage.
// Unknown names are not fatal so new vendors can roll out ahead of this list.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames[kind], name) {
		slog.Warn("unrecognised provider name",
			"kind", kind,
			"name", name,
			"known", ValidProviderNames[kind],
		)
	}
}
