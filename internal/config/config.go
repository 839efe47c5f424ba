package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	Traces       string `yaml:"traces" toml:"traces"` // none, stdout, otlp
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" toml:"bind"`
	Port int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Reader      ReaderConfig     `yaml:"reader" toml:"reader"`
	Device      DeviceConfig     `yaml:"device" toml:"device"`
	Remote      RemoteConfig     `yaml:"remote" toml:"remote"`
	Player      PlayerConfig     `yaml:"player" toml:"player"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// ReaderConfig controls the reading session itself.
type ReaderConfig struct {
	VoiceType         string `yaml:"voice_type" toml:"voice_type"` // device, remote
	Policy            string `yaml:"policy" toml:"policy"`         // replace, reject
	StripMarkdown     bool   `yaml:"strip_markdown" toml:"strip_markdown"`
	ScratchDir        string `yaml:"scratch_dir" toml:"scratch_dir"`
	NotificationTitle string `yaml:"notification_title" toml:"notification_title"`
}

type DeviceConfig struct {
	Mode          string `yaml:"mode" toml:"mode"` // exec, mock
	Command       string `yaml:"command" toml:"command"`
	VoiceFlag     string `yaml:"voice_flag" toml:"voice_flag"`
	Voice         string `yaml:"voice" toml:"voice"`
	Render        bool   `yaml:"render" toml:"render"`
	MaxChunkChars int    `yaml:"max_chunk_chars" toml:"max_chunk_chars"`
	MockDelayMS   int    `yaml:"mock_delay_ms" toml:"mock_delay_ms"`
}

type RemoteConfig struct {
	Endpoint       string `yaml:"endpoint" toml:"endpoint"`
	APIKey         string `yaml:"api_key" toml:"api_key"`
	Voice          string `yaml:"voice" toml:"voice"`
	Speed          int    `yaml:"speed" toml:"speed"`
	MaxChunkChars  int    `yaml:"max_chunk_chars" toml:"max_chunk_chars"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
	ReadyDelayMS   int    `yaml:"ready_delay_ms" toml:"ready_delay_ms"`
	PollAttempts   int    `yaml:"poll_attempts" toml:"poll_attempts"`
}

type PlayerConfig struct {
	Mode           string `yaml:"mode" toml:"mode"` // exec, mock
	Command        string `yaml:"command" toml:"command"`
	MockDurationMS int    `yaml:"mock_duration_ms" toml:"mock_duration_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "readaloud",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8087,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			Traces:       "none",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/readaloud-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Reader: ReaderConfig{
			VoiceType:         "device",
			Policy:            "replace",
			StripMarkdown:     false,
			ScratchDir:        "",
			NotificationTitle: "Read Aloud",
		},
		Device: DeviceConfig{
			Mode:          "exec",
			Command:       "espeak-ng",
			VoiceFlag:     "-v",
			MaxChunkChars: 3900,
			MockDelayMS:   50,
		},
		Remote: RemoteConfig{
			Endpoint:       "https://api.fpt.ai/hmi/tts/v5",
			Voice:          "banmai",
			Speed:          0,
			MaxChunkChars:  4000,
			TimeoutSeconds: 60,
			ReadyDelayMS:   1500,
			PollAttempts:   4,
		},
		Player: PlayerConfig{
			Mode:           "exec",
			Command:        "ffplay -nodisp -autoexit -loglevel quiet",
			MockDurationMS: 50,
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
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if cfg.Reader.ScratchDir == "" {
		cfg.Reader.ScratchDir = filepath.Join(os.TempDir(), "readaloud")
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "READALOUD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "READALOUD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "READALOUD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "READALOUD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "READALOUD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "READALOUD_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "READALOUD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "READALOUD_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "READALOUD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "READALOUD_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "READALOUD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "READALOUD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "READALOUD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "READALOUD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "READALOUD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "READALOUD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "READALOUD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "READALOUD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "READALOUD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "READALOUD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "READALOUD_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Reader.VoiceType, "READALOUD_READER_VOICE_TYPE")
	overrideString(&cfg.Reader.Policy, "READALOUD_READER_POLICY")
	overrideBool(&cfg.Reader.StripMarkdown, "READALOUD_READER_STRIP_MARKDOWN")
	overrideString(&cfg.Reader.ScratchDir, "READALOUD_READER_SCRATCH_DIR")
	overrideString(&cfg.Reader.NotificationTitle, "READALOUD_READER_NOTIFICATION_TITLE")
	overrideString(&cfg.Device.Mode, "READALOUD_DEVICE_MODE")
	overrideString(&cfg.Device.Command, "READALOUD_DEVICE_COMMAND")
	overrideString(&cfg.Device.VoiceFlag, "READALOUD_DEVICE_VOICE_FLAG")
	overrideString(&cfg.Device.Voice, "READALOUD_DEVICE_VOICE")
	overrideBool(&cfg.Device.Render, "READALOUD_DEVICE_RENDER")
	overrideInt(&cfg.Device.MaxChunkChars, "READALOUD_DEVICE_MAX_CHUNK_CHARS")
	overrideInt(&cfg.Device.MockDelayMS, "READALOUD_DEVICE_MOCK_DELAY_MS")
	overrideString(&cfg.Remote.Endpoint, "READALOUD_REMOTE_ENDPOINT")
	overrideString(&cfg.Remote.APIKey, "READALOUD_REMOTE_API_KEY")
	overrideString(&cfg.Remote.Voice, "READALOUD_REMOTE_VOICE")
	overrideInt(&cfg.Remote.Speed, "READALOUD_REMOTE_SPEED")
	overrideInt(&cfg.Remote.MaxChunkChars, "READALOUD_REMOTE_MAX_CHUNK_CHARS")
	overrideInt(&cfg.Remote.TimeoutSeconds, "READALOUD_REMOTE_TIMEOUT_SECONDS")
	overrideInt(&cfg.Remote.ReadyDelayMS, "READALOUD_REMOTE_READY_DELAY_MS")
	overrideInt(&cfg.Remote.PollAttempts, "READALOUD_REMOTE_POLL_ATTEMPTS")
	overrideString(&cfg.Player.Mode, "READALOUD_PLAYER_MODE")
	overrideString(&cfg.Player.Command, "READALOUD_PLAYER_COMMAND")
	overrideInt(&cfg.Player.MockDurationMS, "READALOUD_PLAYER_MOCK_DURATION_MS")
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.Traces {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when telemetry.traces=otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Reader.VoiceType {
	case "device", "remote":
	default:
		return errors.New("reader.voice_type must be one of device|remote")
	}
	switch cfg.Reader.Policy {
	case "replace", "reject":
	default:
		return errors.New("reader.policy must be one of replace|reject")
	}
	switch cfg.Device.Mode {
	case "mock", "exec":
	default:
		return errors.New("device.mode must be one of mock|exec")
	}
	if cfg.Device.Mode == "exec" && cfg.Device.Command == "" {
		return errors.New("device.command must be set when mode=exec")
	}
	if cfg.Device.MaxChunkChars <= 0 {
		return errors.New("device.max_chunk_chars must be positive")
	}
	if cfg.Remote.Endpoint == "" {
		return errors.New("remote.endpoint must not be empty")
	}
	if cfg.Remote.MaxChunkChars <= 0 {
		return errors.New("remote.max_chunk_chars must be positive")
	}
	if cfg.Remote.Speed < -3 || cfg.Remote.Speed > 3 {
		return errors.New("remote.speed must be between -3 and 3")
	}
	if cfg.Remote.TimeoutSeconds <= 0 {
		return errors.New("remote.timeout_seconds must be positive")
	}
	if cfg.Remote.ReadyDelayMS < 0 {
		return errors.New("remote.ready_delay_ms must be >= 0")
	}
	if cfg.Remote.PollAttempts < 1 {
		return errors.New("remote.poll_attempts must be >= 1")
	}
	if cfg.Reader.VoiceType == "remote" && strings.TrimSpace(cfg.Remote.APIKey) == "" {
		return errors.New("remote.api_key must be set when reader.voice_type=remote")
	}
	switch cfg.Player.Mode {
	case "mock", "exec":
	default:
		return errors.New("player.mode must be one of mock|exec")
	}
	if cfg.Player.Mode == "exec" && cfg.Player.Command == "" {
		return errors.New("player.command must be set when mode=exec")
	}
	return nil
}
