package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/m2tx/portfolio_lab/internal/gateway"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ErrMissingAPIKey is fatal: no provider call can be made without a credential.
var ErrMissingAPIKey = errors.New("config: api_key is required (set API_KEY or GEMINI_API_KEY)")

// dotEnvFile is loaded before the environment is read; a missing file is ignored.
var dotEnvFile = ".env"

type Config struct {
	APIKey          string         `mapstructure:"api_key" yaml:"api_key"`
	HTTPPort        string         `mapstructure:"http_port" yaml:"http_port"`
	Models          gateway.Models `mapstructure:"models" yaml:"models"`
	ChatInstruction string         `mapstructure:"chat_instruction" yaml:"chat_instruction"`
	DocsDir         string         `mapstructure:"docs_dir" yaml:"docs_dir"`
	KnowledgeTopK   int            `mapstructure:"knowledge_top_k" yaml:"knowledge_top_k"`
	MongoDB         MongoDBConfig  `mapstructure:"mongodb" yaml:"mongodb"`
	Log             LogConfig      `mapstructure:"log" yaml:"log"`
}

type MongoDBConfig struct {
	URI        string `mapstructure:"uri" yaml:"uri"`
	Database   string `mapstructure:"database" yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Load reads .env, the optional YAML file at path (or CONFIG_FILE) and the
// environment, in increasing order of precedence. It does not validate.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %q: %w", dotEnvFile, err)
	}

	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Models = cfg.Models.WithDefaults()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	models := gateway.DefaultModels()

	v.SetDefault("api_key", "")
	v.SetDefault("http_port", "8080")
	v.SetDefault("models.chat", models.Chat)
	v.SetDefault("models.architect", models.Architect)
	v.SetDefault("models.search", models.Search)
	v.SetDefault("models.location", models.Location)
	v.SetDefault("models.image_generation", models.ImageGeneration)
	v.SetDefault("models.image_editing", models.ImageEditing)
	v.SetDefault("chat_instruction", defaultChatInstruction)
	v.SetDefault("docs_dir", "docs")
	v.SetDefault("knowledge_top_k", 3)
	v.SetDefault("mongodb.uri", "")
	v.SetDefault("mongodb.database", "portfolio_lab")
	v.SetDefault("mongodb.collection", "conversations")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := [][]string{
		{"api_key", "API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"},
		{"http_port", "HTTP_PORT"},
		{"models.chat", "MODEL", "MODELS_CHAT"},
		{"mongodb.uri", "MONGODB_URI"},
		{"mongodb.database", "MONGODB_DB"},
		{"docs_dir", "DOCS_DIR"},
		{"log.level", "LOG_LEVEL"},
	}
	for _, b := range bindings {
		if err := v.BindEnv(b...); err != nil {
			return fmt.Errorf("config: bind env %q: %w", b[0], err)
		}
	}
	return nil
}

// Validate reports configuration that makes the service unusable.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if strings.TrimSpace(c.HTTPPort) == "" {
		return fmt.Errorf("config: http_port cannot be empty")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.APIKey != "" {
		c.APIKey = "***"
	}
	if c.MongoDB.URI != "" {
		c.MongoDB.URI = redactURI(c.MongoDB.URI)
	}
	return c
}

// redactURI hides the userinfo of a connection string.
func redactURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return uri
	}
	return scheme + "://***@" + rest[at+1:]
}

const defaultChatInstruction = "You are the assistant on a personal portfolio site. " +
	"Answer questions about the owner's projects, skills and experience, and help visitors with technical questions. " +
	"Be concise and say so when you do not know."
