package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/ganapathi/internal/conversation"
	"github.com/MegaGrindStone/ganapathi/internal/services"
	"github.com/MegaGrindStone/ganapathi/internal/session"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// assistantConfig builds the assistant backend. audioCache is where self-hosted backends put
// synthesized speech; the remote service ignores it.
type assistantConfig interface {
	assistant(audioCache services.AudioCache, logger *slog.Logger) (conversation.Assistant, error)
}

// sessionStoreConfig opens the key-value store holding the session identifier. The returned
// closer releases it.
type sessionStoreConfig interface {
	store(cfgDir string) (session.Store, io.Closer, error)
}

// BaseAssistantConfig contains the common fields for all assistant configurations.
type BaseAssistantConfig struct {
	Provider string `yaml:"provider"`
}

type config struct {
	Port         string             `yaml:"port"`
	LogLevel     string             `yaml:"logLevel"`
	Assistant    assistantConfig    `yaml:"assistant"`
	SessionStore sessionStoreConfig `yaml:"sessionStore"`
	TTS          ttsConfig          `yaml:"tts"`
	Audio        audioConfig        `yaml:"audio"`
	Avatar       avatarConfig       `yaml:"avatar"`
}

type ganeshaConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	BaseURL             string        `yaml:"baseURL"`
	Timeout             time.Duration `yaml:"timeout"`
}

type openAIConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	APIKey              string `yaml:"apiKey"`
	BaseURL             string `yaml:"baseURL"`
	Model               string `yaml:"model"`
	SpeechModel         string `yaml:"speechModel"`
	Voice               string `yaml:"voice"`
}

type ollamaConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	Host                string `yaml:"host"`
	Model               string `yaml:"model"`
}

type boltStoreConfig struct {
	Path string `yaml:"path"`
}

type redisStoreConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type memoryStoreConfig struct{}

type ttsConfig struct {
	Enabled   *bool `yaml:"enabled"`
	CacheBust *bool `yaml:"cacheBust"`
}

type audioConfig struct {
	PlayerCommand     []string `yaml:"playerCommand"`
	MicrophoneCommand []string `yaml:"microphoneCommand"`
	CacheDir          string   `yaml:"cacheDir"`
}

type avatarConfig struct {
	Idle     string `yaml:"idle"`
	Speaking string `yaml:"speaking"`
}

const (
	defaultPort           = "8080"
	defaultGaneshaBaseURL = "http://localhost:8000"
	defaultGaneshaTimeout = 60 * time.Second
	defaultIdleAvatar     = "/static/avatar/idle.mp4"
	defaultSpeakingAvatar = "/static/avatar/speaking.mp4"
)

// defaultConfig is used when no config file exists, and fills whatever a file leaves out.
func defaultConfig() config {
	return config{
		Port:         defaultPort,
		LogLevel:     "info",
		Assistant:    &ganeshaConfig{BaseAssistantConfig: BaseAssistantConfig{Provider: "ganesha"}},
		SessionStore: &boltStoreConfig{},
	}
}

// loadConfig reads the YAML file at path. A missing file yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		LogLevel     string         `yaml:"logLevel"`
		Assistant    map[string]any `yaml:"assistant"`
		SessionStore map[string]any `yaml:"sessionStore"`
		TTS          ttsConfig      `yaml:"tts"`
		Audio        audioConfig    `yaml:"audio"`
		Avatar       avatarConfig   `yaml:"avatar"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.LogLevel != "" {
		c.LogLevel = rawConfig.LogLevel
	}
	c.TTS = rawConfig.TTS
	c.Audio = rawConfig.Audio
	c.Avatar = rawConfig.Avatar

	if rawConfig.Assistant != nil {
		assistant, err := decodeAssistant(rawConfig.Assistant)
		if err != nil {
			return err
		}
		c.Assistant = assistant
	}

	if rawConfig.SessionStore != nil {
		store, err := decodeSessionStore(rawConfig.SessionStore)
		if err != nil {
			return err
		}
		c.SessionStore = store
	}

	return nil
}

func decodeAssistant(raw map[string]any) (assistantConfig, error) {
	provider, ok := raw["provider"].(string)
	if !ok {
		return nil, fmt.Errorf("assistant provider is required")
	}

	rawYAML, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var assistant assistantConfig
	switch provider {
	case "ganesha":
		assistant = &ganeshaConfig{}
	case "openai":
		assistant = &openAIConfig{}
	case "ollama":
		assistant = &ollamaConfig{}
	default:
		return nil, fmt.Errorf("unknown assistant provider: %s", provider)
	}

	if err := yaml.Unmarshal(rawYAML, assistant); err != nil {
		return nil, err
	}
	return assistant, nil
}

func decodeSessionStore(raw map[string]any) (sessionStoreConfig, error) {
	driver, ok := raw["driver"].(string)
	if !ok {
		return nil, fmt.Errorf("sessionStore driver is required")
	}

	rawYAML, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var store sessionStoreConfig
	switch driver {
	case "bolt":
		store = &boltStoreConfig{}
	case "redis":
		store = &redisStoreConfig{}
	case "memory":
		store = &memoryStoreConfig{}
	default:
		return nil, fmt.Errorf("unknown sessionStore driver: %s", driver)
	}

	if err := yaml.Unmarshal(rawYAML, store); err != nil {
		return nil, err
	}
	return store, nil
}

func (g ganeshaConfig) assistant(_ services.AudioCache, logger *slog.Logger) (conversation.Assistant, error) {
	baseURL := g.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("GANESHA_BASE_URL")
	}
	if baseURL == "" {
		baseURL = defaultGaneshaBaseURL
	}
	timeout := g.Timeout
	if timeout == 0 {
		timeout = defaultGaneshaTimeout
	}
	return services.NewGanesha(baseURL, timeout, logger)
}

func (o openAIConfig) assistant(audioCache services.AudioCache, logger *slog.Logger) (conversation.Assistant, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai apiKey is required")
	}
	return services.NewOpenAI(services.OpenAIParams{
		APIKey:      apiKey,
		BaseURL:     o.BaseURL,
		Model:       o.Model,
		SpeechModel: o.SpeechModel,
		Voice:       o.Voice,
	}, audioCache, logger), nil
}

func (o ollamaConfig) assistant(_ services.AudioCache, logger *slog.Logger) (conversation.Assistant, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, logger)
}

func (b boltStoreConfig) store(cfgDir string) (session.Store, io.Closer, error) {
	path := b.Path
	if path == "" {
		path = filepath.Join(cfgDir, "session.db")
	}
	db, err := services.NewBoltDB(path)
	if err != nil {
		return nil, nil, err
	}
	return db, db, nil
}

func (r redisStoreConfig) store(string) (session.Store, io.Closer, error) {
	addr := r.Addr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		return nil, nil, fmt.Errorf("redis addr is required")
	}
	password := r.Password
	if password == "" {
		password = os.Getenv("REDIS_PASSWORD")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       r.DB,
	})
	db := services.NewRedis(client, r.TTL)
	return db, db, nil
}

func (memoryStoreConfig) store(string) (session.Store, io.Closer, error) {
	return session.NewMemoryStore(), io.NopCloser(nil), nil
}

func (t ttsConfig) enabled() bool {
	return t.Enabled == nil || *t.Enabled
}

func (t ttsConfig) cacheBust() bool {
	return t.CacheBust == nil || *t.CacheBust
}

func (a avatarConfig) idle() string {
	if a.Idle == "" {
		return defaultIdleAvatar
	}
	return a.Idle
}

func (a avatarConfig) speaking() string {
	if a.Speaking == "" {
		return defaultSpeakingAvatar
	}
	return a.Speaking
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return 0, fmt.Errorf("invalid logLevel %q: %w", level, err)
	}
	return l, nil
}
