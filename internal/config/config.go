package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "BRAIN"

	EmbedderHashing = "hashing"
	EmbedderAPI     = "api"

	defaultHTTPAddress        = "0.0.0.0:8000"
	defaultAllowedOrigins     = "*"
	defaultStorageRoot        = "digital_brain"
	defaultInboxDir           = "inbox"
	defaultArchiveDir         = "permanent_notes"
	defaultAttachmentsDir     = "attachments"
	defaultIndexFile          = "index.db"
	defaultEmbedder           = EmbedderHashing
	defaultDimensions         = 256
	defaultSearchLimit        = 5
	defaultLLMBaseURL         = "https://api.groq.com/openai/v1"
	defaultChatModel          = "llama-3.1-8b-instant"
	defaultTranscriptionModel = "whisper-large-v3"
	defaultLLMTimeoutSeconds  = 60
	defaultWatchDebounceMS    = 250
	defaultLogLevel           = "info"
)

// AppConfig captures runtime configuration for the API server. Directory
// fields are resolved against the storage root unless absolute.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	StorageRoot    string
	InboxDir       string
	ArchiveDir     string
	AttachmentsDir string

	IndexPath     string
	Embedder      string
	Dimensions    int
	SearchLimit   int
	PublicBaseURL string

	LLMBaseURL         string
	LLMAPIKey          string
	ChatModel          string
	EmbeddingModel     string
	TranscriptionModel string
	LLMTimeout         time.Duration

	WatchEnabled  bool
	WatchDebounce time.Duration

	LogLevel string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("storage.root", defaultStorageRoot)
	configViper.SetDefault("storage.inbox_dir", defaultInboxDir)
	configViper.SetDefault("storage.archive_dir", defaultArchiveDir)
	configViper.SetDefault("storage.attachments_dir", defaultAttachmentsDir)
	configViper.SetDefault("index.path", "")
	configViper.SetDefault("index.embedder", defaultEmbedder)
	configViper.SetDefault("index.dimensions", defaultDimensions)
	configViper.SetDefault("index.default_limit", defaultSearchLimit)
	configViper.SetDefault("llm.base_url", defaultLLMBaseURL)
	configViper.SetDefault("llm.api_key", "")
	configViper.SetDefault("llm.chat_model", defaultChatModel)
	configViper.SetDefault("llm.embedding_model", "")
	configViper.SetDefault("llm.transcription_model", defaultTranscriptionModel)
	configViper.SetDefault("llm.timeout_seconds", defaultLLMTimeoutSeconds)
	configViper.SetDefault("public.base_url", "")
	configViper.SetDefault("watch.enabled", false)
	configViper.SetDefault("watch.debounce_ms", defaultWatchDebounceMS)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	root := strings.TrimSpace(configViper.GetString("storage.root"))
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),

		StorageRoot:    root,
		InboxDir:       resolve(root, configViper.GetString("storage.inbox_dir")),
		ArchiveDir:     resolve(root, configViper.GetString("storage.archive_dir")),
		AttachmentsDir: resolve(root, configViper.GetString("storage.attachments_dir")),

		IndexPath:     configViper.GetString("index.path"),
		Embedder:      strings.ToLower(strings.TrimSpace(configViper.GetString("index.embedder"))),
		Dimensions:    configViper.GetInt("index.dimensions"),
		SearchLimit:   configViper.GetInt("index.default_limit"),
		PublicBaseURL: strings.TrimSpace(configViper.GetString("public.base_url")),

		LLMBaseURL:         strings.TrimSpace(configViper.GetString("llm.base_url")),
		LLMAPIKey:          strings.TrimSpace(configViper.GetString("llm.api_key")),
		ChatModel:          strings.TrimSpace(configViper.GetString("llm.chat_model")),
		EmbeddingModel:     strings.TrimSpace(configViper.GetString("llm.embedding_model")),
		TranscriptionModel: strings.TrimSpace(configViper.GetString("llm.transcription_model")),
		LLMTimeout:         time.Duration(configViper.GetInt("llm.timeout_seconds")) * time.Second,

		WatchEnabled:  configViper.GetBool("watch.enabled"),
		WatchDebounce: time.Duration(configViper.GetInt("watch.debounce_ms")) * time.Millisecond,

		LogLevel: configViper.GetString("log.level"),
	}
	if strings.TrimSpace(cfg.IndexPath) == "" {
		cfg.IndexPath = resolve(root, defaultIndexFile)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LLMConfigured reports whether an API key is available for enrichment.
func (c AppConfig) LLMConfigured() bool {
	return c.LLMAPIKey != "" && c.LLMBaseURL != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage.root is required")
	}
	if filepath.Clean(c.InboxDir) == filepath.Clean(c.ArchiveDir) {
		return fmt.Errorf("storage.inbox_dir and storage.archive_dir must differ")
	}
	switch c.Embedder {
	case EmbedderHashing:
		if c.Dimensions <= 0 {
			return fmt.Errorf("index.dimensions must be positive")
		}
	case EmbedderAPI:
		if !c.LLMConfigured() {
			return fmt.Errorf("index.embedder=api requires llm.api_key and llm.base_url")
		}
		if c.EmbeddingModel == "" {
			return fmt.Errorf("index.embedder=api requires llm.embedding_model")
		}
	default:
		return fmt.Errorf("index.embedder must be %q or %q", EmbedderHashing, EmbedderAPI)
	}
	if c.SearchLimit <= 0 {
		return fmt.Errorf("index.default_limit must be positive")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("llm.timeout_seconds must be positive")
	}
	if c.WatchEnabled && c.WatchDebounce <= 0 {
		return fmt.Errorf("watch.debounce_ms must be positive")
	}
	return nil
}

func resolve(root, dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

// splitList accepts both list values and a single comma separated string,
// which is how the env binding delivers them.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
