package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	BlockDurationMS int    `yaml:"block_duration_ms"`
	QueueBlocks     int    `yaml:"queue_blocks"`
	ExportDir       string `yaml:"export_dir"`
}

// ModelEntry describes one voice model known at startup.
type ModelEntry struct {
	ID          string   `yaml:"id"`
	Family      string   `yaml:"family"`
	Location    string   `yaml:"location"`
	Name        string   `yaml:"name"`
	Languages   []string `yaml:"languages"`
	Description string   `yaml:"description"`
}

type ModelsConfig struct {
	Mode          string       `yaml:"mode"` // mock, exec
	Command       string       `yaml:"command"`
	LoadTimeoutMS int          `yaml:"load_timeout_ms"`
	MaxResident   int          `yaml:"max_resident"`
	Catalog       []ModelEntry `yaml:"catalog"`
}

type IdentityConfig struct {
	MinSampleSeconds float64 `yaml:"min_sample_seconds"`
	MaxSampleSeconds float64 `yaml:"max_sample_seconds"`
	DeriveTimeoutMS  int     `yaml:"derive_timeout_ms"`
}

type SynthesisConfig struct {
	ChunkDurationMS     int `yaml:"chunk_duration_ms"`
	UnitTimeoutMS       int `yaml:"unit_timeout_ms"`
	MaxConsecutiveFails int `yaml:"max_consecutive_unit_failures"`
	MinUnitRunes        int `yaml:"min_unit_runes"`
}

type MIDIConfig struct {
	Enabled        bool `yaml:"enabled"`
	LearnTimeoutMS int  `yaml:"learn_timeout_ms"`
}

type Config struct {
	EngineName  string          `yaml:"engine_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Audio       AudioConfig     `yaml:"audio"`
	Models      ModelsConfig    `yaml:"models"`
	Identity    IdentityConfig  `yaml:"identity"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	MIDI        MIDIConfig      `yaml:"midi"`
}

func Default() Config {
	return Config{
		EngineName:  "vocald",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/vocal.db",
		},
		Audio: AudioConfig{
			SampleRate:      22050,
			Channels:        1,
			BlockDurationMS: 20,
			QueueBlocks:     64,
			ExportDir:       "./data/export",
		},
		Models: ModelsConfig{
			Mode:          "mock",
			LoadTimeoutMS: 30000,
			MaxResident:   1,
			Catalog: []ModelEntry{
				{ID: "openvoice-v2", Family: "openvoice", Location: "models/openvoice_v2", Name: "OpenVoice V2",
					Languages: []string{"en", "fr", "es", "zh"}, Description: "Instant voice cloning with tone color conversion"},
				{ID: "bark-small", Family: "bark", Location: "models/bark_small", Name: "Bark Small",
					Languages: []string{"en", "fr", "de", "es"}, Description: "Generative audio with nonverbal expression"},
				{ID: "styletts2", Family: "styletts", Location: "models/styletts2", Name: "StyleTTS 2",
					Languages: []string{"en"}, Description: "Style diffusion synthesis"},
				{ID: "xtts-v2", Family: "coqui", Location: "models/xtts_v2", Name: "XTTS V2",
					Languages: []string{"en", "fr", "de", "es", "it", "pt"}, Description: "Multilingual cloning from short samples"},
				{ID: "vall-e-x", Family: "vall_e", Location: "models/vall_e_x", Name: "VALL-E X",
					Languages: []string{"en", "zh", "ja"}, Description: "Cross-lingual cloning from a three second prompt"},
				{ID: "spark-tts", Family: "spark_tts", Location: "models/spark_tts", Name: "Spark TTS",
					Languages: []string{"en", "zh"}, Description: "LLM-driven synthesis with controllable style"},
			},
		},
		Identity: IdentityConfig{
			MinSampleSeconds: 1.0,
			MaxSampleSeconds: 30.0,
			DeriveTimeoutMS:  20000,
		},
		Synthesis: SynthesisConfig{
			ChunkDurationMS:     400,
			UnitTimeoutMS:       10000,
			MaxConsecutiveFails: 3,
			MinUnitRunes:        12,
		},
		MIDI: MIDIConfig{
			Enabled:        true,
			LearnTimeoutMS: 5000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.EngineName, "VOCAL_ENGINE_NAME")
	overrideString(&cfg.Environment, "VOCAL_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOCAL_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOCAL_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOCAL_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOCAL_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOCAL_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "VOCAL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOCAL_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOCAL_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOCAL_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOCAL_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOCAL_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOCAL_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOCAL_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOCAL_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "VOCAL_STORE_PATH")
	overrideBool(&cfg.Store.VacuumOnStart, "VOCAL_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Audio.SampleRate, "VOCAL_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "VOCAL_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.BlockDurationMS, "VOCAL_AUDIO_BLOCK_DURATION_MS")
	overrideInt(&cfg.Audio.QueueBlocks, "VOCAL_AUDIO_QUEUE_BLOCKS")
	overrideString(&cfg.Audio.ExportDir, "VOCAL_AUDIO_EXPORT_DIR")
	overrideString(&cfg.Models.Mode, "VOCAL_MODELS_MODE")
	overrideString(&cfg.Models.Command, "VOCAL_MODELS_COMMAND")
	overrideInt(&cfg.Models.LoadTimeoutMS, "VOCAL_MODELS_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Models.MaxResident, "VOCAL_MODELS_MAX_RESIDENT")
	overrideFloat(&cfg.Identity.MinSampleSeconds, "VOCAL_IDENTITY_MIN_SAMPLE_SECONDS")
	overrideFloat(&cfg.Identity.MaxSampleSeconds, "VOCAL_IDENTITY_MAX_SAMPLE_SECONDS")
	overrideInt(&cfg.Identity.DeriveTimeoutMS, "VOCAL_IDENTITY_DERIVE_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.ChunkDurationMS, "VOCAL_SYNTHESIS_CHUNK_DURATION_MS")
	overrideInt(&cfg.Synthesis.UnitTimeoutMS, "VOCAL_SYNTHESIS_UNIT_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.MaxConsecutiveFails, "VOCAL_SYNTHESIS_MAX_CONSECUTIVE_UNIT_FAILURES")
	overrideInt(&cfg.Synthesis.MinUnitRunes, "VOCAL_SYNTHESIS_MIN_UNIT_RUNES")
	overrideBool(&cfg.MIDI.Enabled, "VOCAL_MIDI_ENABLED")
	overrideInt(&cfg.MIDI.LearnTimeoutMS, "VOCAL_MIDI_LEARN_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.EngineName == "" {
		return errors.New("engine_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.BlockDurationMS <= 0 {
		return errors.New("audio.block_duration_ms must be positive")
	}
	if cfg.Audio.QueueBlocks <= 0 {
		return errors.New("audio.queue_blocks must be positive")
	}
	switch cfg.Models.Mode {
	case "mock", "exec":
	default:
		return errors.New("models.mode must be one of mock|exec")
	}
	if cfg.Models.Mode == "exec" && cfg.Models.Command == "" {
		return errors.New("models.command must be set when mode=exec")
	}
	for _, entry := range cfg.Models.Catalog {
		if entry.ID == "" || entry.Family == "" {
			return errors.New("models.catalog entries must carry id and family")
		}
	}
	if cfg.Models.LoadTimeoutMS <= 0 {
		return errors.New("models.load_timeout_ms must be positive")
	}
	if cfg.Models.MaxResident <= 0 {
		return errors.New("models.max_resident must be >= 1")
	}
	if cfg.Identity.MinSampleSeconds <= 0 {
		return errors.New("identity.min_sample_seconds must be positive")
	}
	if cfg.Identity.MaxSampleSeconds <= cfg.Identity.MinSampleSeconds {
		return errors.New("identity.max_sample_seconds must be greater than min_sample_seconds")
	}
	if cfg.Identity.DeriveTimeoutMS <= 0 {
		return errors.New("identity.derive_timeout_ms must be positive")
	}
	if cfg.Synthesis.ChunkDurationMS <= 0 {
		return errors.New("synthesis.chunk_duration_ms must be positive")
	}
	if cfg.Synthesis.UnitTimeoutMS <= 0 {
		return errors.New("synthesis.unit_timeout_ms must be positive")
	}
	if cfg.Synthesis.MaxConsecutiveFails <= 0 {
		return errors.New("synthesis.max_consecutive_unit_failures must be >= 1")
	}
	if cfg.MIDI.LearnTimeoutMS <= 0 {
		return errors.New("midi.learn_timeout_ms must be positive")
	}
	return nil
}
