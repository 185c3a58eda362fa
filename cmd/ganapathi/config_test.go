package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Port != defaultPort {
		t.Errorf("Port = %q, want %q", cfg.Port, defaultPort)
	}
	if _, ok := cfg.Assistant.(*ganeshaConfig); !ok {
		t.Errorf("Assistant = %T, want *ganeshaConfig", cfg.Assistant)
	}
	if _, ok := cfg.SessionStore.(*boltStoreConfig); !ok {
		t.Errorf("SessionStore = %T, want *boltStoreConfig", cfg.SessionStore)
	}
	if !cfg.TTS.enabled() || !cfg.TTS.cacheBust() {
		t.Error("speech and cache busting should default to on")
	}
	if cfg.Avatar.idle() != defaultIdleAvatar || cfg.Avatar.speaking() != defaultSpeakingAvatar {
		t.Errorf("avatar = %q/%q, want defaults", cfg.Avatar.idle(), cfg.Avatar.speaking())
	}
}

func TestLoadConfigEmptyFile(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Port != defaultPort || cfg.LogLevel != "info" {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
port: "9090"
logLevel: debug
assistant:
  provider: ganesha
  baseURL: http://ganesha.local
  timeout: 30s
sessionStore:
  driver: redis
  addr: localhost:6379
  db: 2
  ttl: 24h
tts:
  enabled: false
audio:
  playerCommand: [mpv, --no-video]
avatar:
  idle: /media/Idle.mp4
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Port != "9090" || cfg.LogLevel != "debug" {
		t.Errorf("Port/LogLevel = %q/%q", cfg.Port, cfg.LogLevel)
	}

	g, ok := cfg.Assistant.(*ganeshaConfig)
	if !ok {
		t.Fatalf("Assistant = %T, want *ganeshaConfig", cfg.Assistant)
	}
	if g.BaseURL != "http://ganesha.local" || g.Timeout != 30*time.Second {
		t.Errorf("ganesha = %+v", g)
	}

	r, ok := cfg.SessionStore.(*redisStoreConfig)
	if !ok {
		t.Fatalf("SessionStore = %T, want *redisStoreConfig", cfg.SessionStore)
	}
	if r.Addr != "localhost:6379" || r.DB != 2 || r.TTL != 24*time.Hour {
		t.Errorf("redis = %+v", r)
	}

	if cfg.TTS.enabled() {
		t.Error("speech should be off")
	}
	if !cfg.TTS.cacheBust() {
		t.Error("cache busting should stay on when omitted")
	}
	if got := strings.Join(cfg.Audio.PlayerCommand, " "); got != "mpv --no-video" {
		t.Errorf("PlayerCommand = %q", got)
	}
	if cfg.Avatar.idle() != "/media/Idle.mp4" || cfg.Avatar.speaking() != defaultSpeakingAvatar {
		t.Errorf("avatar = %q/%q", cfg.Avatar.idle(), cfg.Avatar.speaking())
	}
}

func TestLoadConfigProviders(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg config)
		wantErr string
	}{
		{
			name: "OpenAI",
			content: `
assistant:
  provider: openai
  model: gpt-4o-mini
  voice: onyx
`,
			check: func(t *testing.T, cfg config) {
				o, ok := cfg.Assistant.(*openAIConfig)
				if !ok {
					t.Fatalf("Assistant = %T, want *openAIConfig", cfg.Assistant)
				}
				if o.Model != "gpt-4o-mini" || o.Voice != "onyx" {
					t.Errorf("openai = %+v", o)
				}
			},
		},
		{
			name: "Ollama with memory store",
			content: `
assistant:
  provider: ollama
  model: llama3.2
sessionStore:
  driver: memory
`,
			check: func(t *testing.T, cfg config) {
				if o, ok := cfg.Assistant.(*ollamaConfig); !ok || o.Model != "llama3.2" {
					t.Errorf("Assistant = %#v", cfg.Assistant)
				}
				if _, ok := cfg.SessionStore.(*memoryStoreConfig); !ok {
					t.Errorf("SessionStore = %T, want *memoryStoreConfig", cfg.SessionStore)
				}
			},
		},
		{
			name:    "Unknown provider",
			content: "assistant:\n  provider: oracle\n",
			wantErr: "unknown assistant provider: oracle",
		},
		{
			name:    "Missing provider",
			content: "assistant:\n  baseURL: http://x\n",
			wantErr: "assistant provider is required",
		},
		{
			name:    "Unknown driver",
			content: "sessionStore:\n  driver: etcd\n",
			wantErr: "unknown sessionStore driver: etcd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.content))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("loadConfig() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestAssistantRequiredFields(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := (openAIConfig{}).assistant(services.AudioCache{}, discardLogger()); err == nil {
		t.Error("openai without an api key should fail")
	}
	if _, err := (ollamaConfig{}).assistant(services.AudioCache{}, discardLogger()); err == nil {
		t.Error("ollama without a model should fail")
	}
}

func TestStores(t *testing.T) {
	dir := t.TempDir()

	store, closer, err := boltStoreConfig{}.store(dir)
	if err != nil {
		t.Fatalf("bolt store() error = %v", err)
	}
	defer closer.Close()

	if _, err := os.Stat(filepath.Join(dir, "session.db")); err != nil {
		t.Errorf("bolt file not created: %v", err)
	}
	if store == nil {
		t.Error("bolt store is nil")
	}

	t.Setenv("REDIS_ADDR", "")
	if _, _, err := (redisStoreConfig{}).store(dir); err == nil {
		t.Error("redis without an address should fail")
	}

	mem, memCloser, err := memoryStoreConfig{}.store(dir)
	if err != nil || mem == nil {
		t.Fatalf("memory store() = %v, %v", mem, err)
	}
	if err := memCloser.Close(); err != nil {
		t.Errorf("memory Close() error = %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLogLevel(%q) error = %v", tt.in, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
