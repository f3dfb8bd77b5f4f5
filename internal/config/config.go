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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Speaker      SpeakerConfig      `yaml:"speaker"`
	Listener     ListenerConfig     `yaml:"listener"`
	Thinker      ThinkerConfig      `yaml:"thinker"`
	Conversation ConversationConfig `yaml:"conversation"`
	Relay        RelayConfig        `yaml:"relay"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SessionsConfig gates the voice session manager. Speaker, listener, thinker
// and conversation settings are only validated when sessions are enabled.
type SessionsConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxActive int  `yaml:"max_active"`
}

type SpeakerConfig struct {
	Mode               string `yaml:"mode"` // relay, cloud
	RelayURL           string `yaml:"relay_url"`
	AuthToken          string `yaml:"auth_token"`
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	Engine             string `yaml:"engine"`
	LanguageCode       string `yaml:"language_code"`
	VoiceID            string `yaml:"voice_id"`
	CacheSpeech        bool   `yaml:"cache_speech"`
	CachePath          string `yaml:"cache_path"`
	Player             string `yaml:"player"` // timed, bus
	SampleRate         int    `yaml:"sample_rate"`
	FrameIntervalMS    int    `yaml:"frame_interval_ms"`
	SynthesisTimeoutMS int    `yaml:"synthesis_timeout_ms"`
	PlaybackTimeoutMS  int    `yaml:"playback_timeout_ms"`
}

type ListenerConfig struct {
	RelayURL          string  `yaml:"relay_url"`
	AuthToken         string  `yaml:"auth_token"`
	Language          string  `yaml:"language"`
	SampleRate        int     `yaml:"sample_rate"`
	MaxChunkSamples   int     `yaml:"max_chunk_samples"`
	SpeechThreshold   float64 `yaml:"speech_threshold"`
	EndpointTimeoutMS int     `yaml:"endpoint_timeout_ms"`
	AsleepTimeoutMS   int     `yaml:"asleep_timeout_ms"`
	DialTimeoutMS     int     `yaml:"dial_timeout_ms"`
}

type ChatMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

type ThinkerConfig struct {
	RelayURL      string        `yaml:"relay_url"`
	AuthToken     string        `yaml:"auth_token"`
	PreMessages   []ChatMessage `yaml:"pre_messages"`
	DialTimeoutMS int           `yaml:"dial_timeout_ms"`
}

type ConversationConfig struct {
	RetainContext   bool     `yaml:"retain_context"`
	Greeting        string   `yaml:"greeting"`
	FollowUpPrompts []string `yaml:"follow_up_prompts"`
	TurnTimeoutMS   int      `yaml:"turn_timeout_ms"`
}

type RelayConfig struct {
	Enabled   bool      `yaml:"enabled"`
	Bind      string    `yaml:"bind"`
	Port      int       `yaml:"port"`
	AuthToken string    `yaml:"auth_token"`
	LLM       LLMConfig `yaml:"llm"`
	TTS       TTSConfig `yaml:"tts"`
	STT       STTConfig `yaml:"stt"`
}

type STTConfig struct {
	Mode                string  `yaml:"mode"` // mock, exec, openai
	Command             string  `yaml:"command"`
	ModelPath           string  `yaml:"model_path"`
	APIKey              string  `yaml:"api_key"`
	BaseURL             string  `yaml:"base_url"`
	Model               string  `yaml:"model"`
	SampleRate          int     `yaml:"sample_rate"`
	Channels            int     `yaml:"channels"`
	SpeechThreshold     float64 `yaml:"speech_threshold"`
	SegmentGapMS        int     `yaml:"segment_gap_ms"`
	EndpointMS          int     `yaml:"endpoint_ms"`
	AsleepMS            int     `yaml:"asleep_ms"`
	TranscribeTimeoutMS int     `yaml:"transcribe_timeout_ms"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, openai
	Command    string `yaml:"command"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Sessions: SessionsConfig{
			Enabled:   false,
			MaxActive: 4,
		},
		Speaker: SpeakerConfig{
			Mode:               "relay",
			Engine:             "standard",
			LanguageCode:       "en-US",
			VoiceID:            "Amy",
			CachePath:          "./data/loqa-voice-speech.db",
			Player:             "timed",
			SampleRate:         22050,
			FrameIntervalMS:    16,
			SynthesisTimeoutMS: 15000,
			PlaybackTimeoutMS:  60000,
		},
		Listener: ListenerConfig{
			Language:          "en-US",
			SampleRate:        44100,
			MaxChunkSamples:   11025,
			SpeechThreshold:   500,
			EndpointTimeoutMS: 1000,
			AsleepTimeoutMS:   5000,
			DialTimeoutMS:     3000,
		},
		Thinker: ThinkerConfig{
			DialTimeoutMS: 3000,
		},
		Conversation: ConversationConfig{
			RetainContext: true,
			Greeting:      "Hello! How can I help you?",
			TurnTimeoutMS: 60000,
		},
		Relay: RelayConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8081,
			LLM: LLMConfig{
				Mode:        "mock",
				Endpoint:    "http://localhost:11434",
				Model:       "llama3.2:latest",
				MaxTokens:   256,
				Temperature: 0.7,
				TimeoutMS:   60000,
			},
			TTS: TTSConfig{
				Mode:       "mock",
				Model:      "tts-1",
				SampleRate: 22050,
				Channels:   1,
				TimeoutMS:  45000,
			},
			STT: STTConfig{
				Mode:                "mock",
				Model:               "whisper-1",
				SampleRate:          44100,
				Channels:            1,
				SpeechThreshold:     500,
				SegmentGapMS:        300,
				EndpointMS:          1000,
				AsleepMS:            5000,
				TranscribeTimeoutMS: 45000,
			},
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
	return Normalize(cfg)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Sessions.Enabled, "LOQA_SESSIONS_ENABLED")
	overrideInt(&cfg.Sessions.MaxActive, "LOQA_SESSIONS_MAX_ACTIVE")
	overrideString(&cfg.Speaker.Mode, "LOQA_SPEAKER_MODE")
	overrideString(&cfg.Speaker.RelayURL, "LOQA_SPEAKER_RELAY_URL")
	overrideString(&cfg.Speaker.AuthToken, "LOQA_SPEAKER_AUTH_TOKEN")
	overrideString(&cfg.Speaker.APIKey, "LOQA_SPEAKER_API_KEY")
	overrideString(&cfg.Speaker.BaseURL, "LOQA_SPEAKER_BASE_URL")
	overrideString(&cfg.Speaker.Engine, "LOQA_SPEAKER_ENGINE")
	overrideString(&cfg.Speaker.LanguageCode, "LOQA_SPEAKER_LANGUAGE_CODE")
	overrideString(&cfg.Speaker.VoiceID, "LOQA_SPEAKER_VOICE_ID")
	overrideBool(&cfg.Speaker.CacheSpeech, "LOQA_SPEAKER_CACHE_SPEECH")
	overrideString(&cfg.Speaker.CachePath, "LOQA_SPEAKER_CACHE_PATH")
	overrideString(&cfg.Speaker.Player, "LOQA_SPEAKER_PLAYER")
	overrideInt(&cfg.Speaker.SampleRate, "LOQA_SPEAKER_SAMPLE_RATE")
	overrideInt(&cfg.Speaker.FrameIntervalMS, "LOQA_SPEAKER_FRAME_INTERVAL_MS")
	overrideInt(&cfg.Speaker.SynthesisTimeoutMS, "LOQA_SPEAKER_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Speaker.PlaybackTimeoutMS, "LOQA_SPEAKER_PLAYBACK_TIMEOUT_MS")
	overrideString(&cfg.Listener.RelayURL, "LOQA_LISTENER_RELAY_URL")
	overrideString(&cfg.Listener.AuthToken, "LOQA_LISTENER_AUTH_TOKEN")
	overrideString(&cfg.Listener.Language, "LOQA_LISTENER_LANGUAGE")
	overrideInt(&cfg.Listener.SampleRate, "LOQA_LISTENER_SAMPLE_RATE")
	overrideInt(&cfg.Listener.MaxChunkSamples, "LOQA_LISTENER_MAX_CHUNK_SAMPLES")
	overrideFloat(&cfg.Listener.SpeechThreshold, "LOQA_LISTENER_SPEECH_THRESHOLD")
	overrideInt(&cfg.Listener.EndpointTimeoutMS, "LOQA_LISTENER_ENDPOINT_TIMEOUT_MS")
	overrideInt(&cfg.Listener.AsleepTimeoutMS, "LOQA_LISTENER_ASLEEP_TIMEOUT_MS")
	overrideInt(&cfg.Listener.DialTimeoutMS, "LOQA_LISTENER_DIAL_TIMEOUT_MS")
	overrideString(&cfg.Thinker.RelayURL, "LOQA_THINKER_RELAY_URL")
	overrideString(&cfg.Thinker.AuthToken, "LOQA_THINKER_AUTH_TOKEN")
	overrideInt(&cfg.Thinker.DialTimeoutMS, "LOQA_THINKER_DIAL_TIMEOUT_MS")
	overrideBool(&cfg.Conversation.RetainContext, "LOQA_CONVERSATION_RETAIN_CONTEXT")
	overrideString(&cfg.Conversation.Greeting, "LOQA_CONVERSATION_GREETING")
	overrideStringSlice(&cfg.Conversation.FollowUpPrompts, "LOQA_CONVERSATION_FOLLOW_UP_PROMPTS")
	overrideInt(&cfg.Conversation.TurnTimeoutMS, "LOQA_CONVERSATION_TURN_TIMEOUT_MS")
	overrideBool(&cfg.Relay.Enabled, "LOQA_RELAY_ENABLED")
	overrideString(&cfg.Relay.Bind, "LOQA_RELAY_BIND")
	overrideInt(&cfg.Relay.Port, "LOQA_RELAY_PORT")
	overrideString(&cfg.Relay.AuthToken, "LOQA_RELAY_AUTH_TOKEN")
	overrideString(&cfg.Relay.LLM.Mode, "LOQA_RELAY_LLM_MODE")
	overrideString(&cfg.Relay.LLM.Endpoint, "LOQA_RELAY_LLM_ENDPOINT")
	overrideString(&cfg.Relay.LLM.Command, "LOQA_RELAY_LLM_COMMAND")
	overrideString(&cfg.Relay.LLM.APIKey, "LOQA_RELAY_LLM_API_KEY")
	overrideString(&cfg.Relay.LLM.BaseURL, "LOQA_RELAY_LLM_BASE_URL")
	overrideString(&cfg.Relay.LLM.Model, "LOQA_RELAY_LLM_MODEL")
	overrideInt(&cfg.Relay.LLM.MaxTokens, "LOQA_RELAY_LLM_MAX_TOKENS")
	overrideFloat(&cfg.Relay.LLM.Temperature, "LOQA_RELAY_LLM_TEMPERATURE")
	overrideString(&cfg.Relay.TTS.Mode, "LOQA_RELAY_TTS_MODE")
	overrideString(&cfg.Relay.TTS.Command, "LOQA_RELAY_TTS_COMMAND")
	overrideString(&cfg.Relay.TTS.APIKey, "LOQA_RELAY_TTS_API_KEY")
	overrideString(&cfg.Relay.TTS.BaseURL, "LOQA_RELAY_TTS_BASE_URL")
	overrideString(&cfg.Relay.TTS.Model, "LOQA_RELAY_TTS_MODEL")
	overrideInt(&cfg.Relay.TTS.SampleRate, "LOQA_RELAY_TTS_SAMPLE_RATE")
	overrideString(&cfg.Relay.STT.Mode, "LOQA_RELAY_STT_MODE")
	overrideString(&cfg.Relay.STT.Command, "LOQA_RELAY_STT_COMMAND")
	overrideString(&cfg.Relay.STT.ModelPath, "LOQA_RELAY_STT_MODEL_PATH")
	overrideString(&cfg.Relay.STT.APIKey, "LOQA_RELAY_STT_API_KEY")
	overrideString(&cfg.Relay.STT.BaseURL, "LOQA_RELAY_STT_BASE_URL")
	overrideInt(&cfg.Relay.STT.SampleRate, "LOQA_RELAY_STT_SAMPLE_RATE")
	overrideFloat(&cfg.Relay.STT.SpeechThreshold, "LOQA_RELAY_STT_SPEECH_THRESHOLD")
	overrideInt(&cfg.Relay.STT.EndpointMS, "LOQA_RELAY_STT_ENDPOINT_MS")
	overrideInt(&cfg.Relay.STT.AsleepMS, "LOQA_RELAY_STT_ASLEEP_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Normalize validates cfg and returns a copy with defaults filled in for
// fields that have a sane fallback (voice, engine, language). Connectivity
// settings never get a fallback. cfg itself is left untouched.
func Normalize(cfg Config) (Config, error) {
	out := cfg
	out.Bus.Servers = append([]string(nil), cfg.Bus.Servers...)
	out.Thinker.PreMessages = append([]ChatMessage(nil), cfg.Thinker.PreMessages...)
	out.Conversation.FollowUpPrompts = append([]string(nil), cfg.Conversation.FollowUpPrompts...)

	if out.RuntimeName == "" {
		return cfg, errors.New("runtime_name must not be empty")
	}
	if out.HTTP.Port <= 0 || out.HTTP.Port > 65535 {
		return cfg, errors.New("http.port must be between 1 and 65535")
	}
	if out.Bus.Embedded {
		if out.Bus.Port <= 0 || out.Bus.Port > 65535 {
			return cfg, errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(out.Bus.Servers) == 0 {
		return cfg, errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if out.EventStore.Path == "" && out.EventStore.RetentionMode != "ephemeral" {
		return cfg, errors.New("event_store.path must not be empty")
	}
	switch out.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return cfg, errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if out.EventStore.RetentionDays < 0 {
		return cfg, errors.New("event_store.retention_days must be >= 0")
	}
	if out.Telemetry.PrometheusBind == "" {
		return cfg, errors.New("telemetry.prometheus_bind must not be empty")
	}

	if out.Sessions.Enabled {
		if out.Sessions.MaxActive <= 0 {
			return cfg, errors.New("sessions.max_active must be >= 1")
		}
		speaker, err := normalizeSpeaker(out.Speaker)
		if err != nil {
			return cfg, err
		}
		out.Speaker = speaker
		listener, err := normalizeListener(out.Listener)
		if err != nil {
			return cfg, err
		}
		out.Listener = listener
		if strings.TrimSpace(out.Thinker.RelayURL) == "" {
			return cfg, errors.New("thinker.relay_url must be set")
		}
		if out.Thinker.DialTimeoutMS <= 0 {
			out.Thinker.DialTimeoutMS = 3000
		}
		for i, m := range out.Thinker.PreMessages {
			if !validRole(m.Role) {
				return cfg, fmt.Errorf("thinker.pre_messages[%d].role must be one of system|user|assistant", i)
			}
		}
		if out.Conversation.TurnTimeoutMS < 0 {
			return cfg, errors.New("conversation.turn_timeout_ms must be >= 0")
		}
	}

	if out.Relay.Enabled {
		if out.Relay.Port <= 0 || out.Relay.Port > 65535 {
			return cfg, errors.New("relay.port must be between 1 and 65535")
		}
		if out.Relay.Port == out.HTTP.Port && out.Relay.Bind == out.HTTP.Bind {
			return cfg, errors.New("relay.port must differ from http.port")
		}
		if err := validateRelay(out.Relay); err != nil {
			return cfg, err
		}
	}
	return out, nil
}

func normalizeSpeaker(s SpeakerConfig) (SpeakerConfig, error) {
	if s.Engine == "" {
		s.Engine = "standard"
	}
	if s.LanguageCode == "" {
		s.LanguageCode = "en-US"
	}
	if s.VoiceID == "" {
		s.VoiceID = "Amy"
	}
	if s.Player == "" {
		s.Player = "timed"
	}
	if s.SampleRate <= 0 {
		s.SampleRate = 22050
	}
	if s.FrameIntervalMS <= 0 {
		s.FrameIntervalMS = 16
	}
	switch s.Mode {
	case "relay":
		if strings.TrimSpace(s.RelayURL) == "" {
			return s, errors.New("speaker.relay_url must be set when mode=relay")
		}
	case "cloud":
		if s.APIKey == "" {
			return s, errors.New("speaker.api_key must be set when mode=cloud")
		}
	default:
		return s, errors.New("speaker.mode must be one of relay|cloud")
	}
	switch s.Player {
	case "timed", "bus":
	default:
		return s, errors.New("speaker.player must be one of timed|bus")
	}
	if s.CacheSpeech && s.CachePath == "" {
		return s, errors.New("speaker.cache_path must be set when cache_speech is enabled")
	}
	return s, nil
}

func normalizeListener(l ListenerConfig) (ListenerConfig, error) {
	if strings.TrimSpace(l.RelayURL) == "" {
		return l, errors.New("listener.relay_url must be set")
	}
	if l.Language == "" {
		l.Language = "en-US"
	}
	if l.SampleRate <= 0 {
		return l, errors.New("listener.sample_rate must be positive")
	}
	// A float32 capture buffer may not exceed sample_rate bytes.
	if l.MaxChunkSamples <= 0 {
		l.MaxChunkSamples = l.SampleRate / 4
	}
	if l.SpeechThreshold <= 0 {
		l.SpeechThreshold = 500
	}
	if l.EndpointTimeoutMS <= 0 {
		l.EndpointTimeoutMS = 1000
	}
	if l.AsleepTimeoutMS <= 0 {
		l.AsleepTimeoutMS = 5000
	}
	if l.AsleepTimeoutMS <= l.EndpointTimeoutMS {
		return l, errors.New("listener.asleep_timeout_ms must be greater than endpoint_timeout_ms")
	}
	if l.DialTimeoutMS <= 0 {
		l.DialTimeoutMS = 3000
	}
	return l, nil
}

func validateRelay(r RelayConfig) error {
	switch r.LLM.Mode {
	case "mock":
	case "ollama":
		if r.LLM.Endpoint == "" {
			return errors.New("relay.llm.endpoint must be set when mode=ollama")
		}
	case "exec":
		if r.LLM.Command == "" {
			return errors.New("relay.llm.command must be set when mode=exec")
		}
	case "openai":
		if r.LLM.APIKey == "" {
			return errors.New("relay.llm.api_key must be set when mode=openai")
		}
	default:
		return errors.New("relay.llm.mode must be one of mock|ollama|exec|openai")
	}
	if r.LLM.MaxTokens < 0 {
		return errors.New("relay.llm.max_tokens must be >= 0")
	}
	switch r.TTS.Mode {
	case "mock":
	case "exec":
		if r.TTS.Command == "" {
			return errors.New("relay.tts.command must be set when mode=exec")
		}
	case "openai":
		if r.TTS.APIKey == "" {
			return errors.New("relay.tts.api_key must be set when mode=openai")
		}
	default:
		return errors.New("relay.tts.mode must be one of mock|exec|openai")
	}
	if r.TTS.SampleRate <= 0 {
		return errors.New("relay.tts.sample_rate must be positive")
	}
	if r.TTS.Channels <= 0 {
		return errors.New("relay.tts.channels must be positive")
	}
	switch r.STT.Mode {
	case "mock":
	case "exec":
		if r.STT.Command == "" {
			return errors.New("relay.stt.command must be set when mode=exec")
		}
	case "openai":
		if r.STT.APIKey == "" {
			return errors.New("relay.stt.api_key must be set when mode=openai")
		}
	default:
		return errors.New("relay.stt.mode must be one of mock|exec|openai")
	}
	if r.STT.SampleRate <= 0 {
		return errors.New("relay.stt.sample_rate must be positive")
	}
	if r.STT.Channels <= 0 {
		return errors.New("relay.stt.channels must be positive")
	}
	if r.STT.AsleepMS <= r.STT.EndpointMS {
		return errors.New("relay.stt.asleep_ms must be greater than endpoint_ms")
	}
	return nil
}

func validRole(role string) bool {
	switch role {
	case "system", "user", "assistant":
		return true
	}
	return false
}
