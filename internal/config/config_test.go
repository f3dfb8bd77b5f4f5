package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Speaker.VoiceID != "Amy" || cfg.Speaker.Engine != "standard" || cfg.Speaker.LanguageCode != "en-US" {
		t.Fatalf("unexpected speaker defaults: %+v", cfg.Speaker)
	}
	if cfg.Listener.EndpointTimeoutMS != 1000 || cfg.Listener.AsleepTimeoutMS != 5000 {
		t.Fatalf("unexpected listener timers: %+v", cfg.Listener)
	}
	if cfg.Listener.MaxChunkSamples != 11025 || cfg.Listener.SpeechThreshold != 500 {
		t.Fatalf("unexpected listener chunk limits: %+v", cfg.Listener)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_CONVERSATION_FOLLOW_UP_PROMPTS", "Still there?, Anything else?")
	t.Setenv("LOQA_RELAY_LLM_TEMPERATURE", "0.2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if len(cfg.Conversation.FollowUpPrompts) != 2 || cfg.Conversation.FollowUpPrompts[1] != "Anything else?" {
		t.Fatalf("expected follow-up prompts override, got %v", cfg.Conversation.FollowUpPrompts)
	}
	if cfg.Relay.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %v", cfg.Relay.LLM.Temperature)
	}
}

func sessionConfig() Config {
	cfg := Default()
	cfg.Sessions.Enabled = true
	cfg.Speaker.RelayURL = "ws://127.0.0.1:8081/v1/speech"
	cfg.Listener.RelayURL = "ws://127.0.0.1:8081/v1/transcribe"
	cfg.Thinker.RelayURL = "ws://127.0.0.1:8081/v1/reply"
	return cfg
}

func TestNormalizeFillsSpeakerDefaults(t *testing.T) {
	cfg := sessionConfig()
	cfg.Speaker.VoiceID = ""
	cfg.Speaker.Engine = ""
	cfg.Speaker.LanguageCode = ""

	out, err := Normalize(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Speaker.VoiceID != "Amy" || out.Speaker.Engine != "standard" || out.Speaker.LanguageCode != "en-US" {
		t.Fatalf("expected defaults, got %+v", out.Speaker)
	}
	if cfg.Speaker.VoiceID != "" {
		t.Fatal("normalize must not mutate its input")
	}
}

func TestNormalizeDerivesCaptureChunkLimit(t *testing.T) {
	cfg := sessionConfig()
	cfg.Listener.SampleRate = 16000
	cfg.Listener.MaxChunkSamples = 0
	cfg.Listener.SpeechThreshold = 0

	out, err := Normalize(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Listener.MaxChunkSamples != 4000 {
		t.Fatalf("expected a quarter of the sample rate, got %d", out.Listener.MaxChunkSamples)
	}
	if out.Listener.SpeechThreshold != 500 {
		t.Fatalf("expected default speech threshold, got %v", out.Listener.SpeechThreshold)
	}
}

func TestNormalizeRejectsMissingConnectivity(t *testing.T) {
	cases := map[string]func(*Config){
		"speaker relay url": func(c *Config) { c.Speaker.RelayURL = "" },
		"speaker api key":   func(c *Config) { c.Speaker.Mode = "cloud" },
		"listener relay":    func(c *Config) { c.Listener.RelayURL = "" },
		"thinker relay":     func(c *Config) { c.Thinker.RelayURL = " " },
		"bad role":          func(c *Config) { c.Thinker.PreMessages = []ChatMessage{{Role: "robot", Content: "x"}} },
		"bad player":        func(c *Config) { c.Speaker.Player = "speakers" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := sessionConfig()
			mutate(&cfg)
			if _, err := Normalize(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNormalizeRelayBackends(t *testing.T) {
	cfg := Default()
	cfg.Relay.Enabled = true
	if _, err := Normalize(cfg); err != nil {
		t.Fatalf("mock relay should validate: %v", err)
	}

	cfg.Relay.LLM.Mode = "openai"
	if _, err := Normalize(cfg); err == nil {
		t.Fatal("expected error for openai without api key")
	}
	cfg.Relay.LLM.APIKey = "sk-test"
	if _, err := Normalize(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Relay.Port = cfg.HTTP.Port
	cfg.Relay.Bind = cfg.HTTP.Bind
	if _, err := Normalize(cfg); err == nil {
		t.Fatal("expected error for relay port clash")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loqa-voice.yaml")
	data := []byte(`
runtime_name: kitchen
sessions:
  enabled: true
speaker:
  relay_url: ws://relay/v1/speech
  voice_id: Lucia
listener:
  relay_url: ws://relay/v1/transcribe
  language: es-ES
thinker:
  relay_url: ws://relay/v1/reply
  pre_messages:
    - role: system
      content: Answer briefly.
conversation:
  retain_context: false
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "kitchen" || cfg.Speaker.VoiceID != "Lucia" || cfg.Listener.Language != "es-ES" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Thinker.PreMessages) != 1 || cfg.Thinker.PreMessages[0].Content != "Answer briefly." {
		t.Fatalf("unexpected pre messages: %+v", cfg.Thinker.PreMessages)
	}
	if cfg.Conversation.RetainContext {
		t.Fatal("expected retain_context false")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
