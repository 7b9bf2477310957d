package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig   BasicConfig               `mapstructure:"basic_config"`
	Databases     map[string]DatabaseConfig `mapstructure:"databases"`
	Redis         RedisConfig               `mapstructure:"redis"`
	Providers     map[string]ProviderConfig `mapstructure:"providers"`
	ObjectStorage ObjectStorageConfig       `mapstructure:"object_storage"`
	Billing       BillingConfig             `mapstructure:"billing"`
	Mail          MailConfig                `mapstructure:"mail"`
	Kafka         KafkaConfig               `mapstructure:"kafka"`
	Search        SearchConfig              `mapstructure:"search"`
}

type BasicConfig struct {
	Env               string   `mapstructure:"env"`
	ServerAddress     string   `mapstructure:"server_address"`
	PublicURL         string   `mapstructure:"public_url"`
	Provider          string   `mapstructure:"provider"`
	MinWorkers        int      `mapstructure:"min_workers"`
	MaxWorkers        int      `mapstructure:"max_workers"`
	QueueSize         int      `mapstructure:"queue_size"`
	WorkerIdleTimeout int      `mapstructure:"worker_idle_timeout"` // minutes
	TokenTTL          int      `mapstructure:"token_ttl"`           // hours
	CleanInterval     int      `mapstructure:"clean_interval"`      // minutes
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type ObjectStorageConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	PublicEndpoint string `mapstructure:"public_endpoint"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	Bucket         string `mapstructure:"bucket"`
	UseSSL         bool   `mapstructure:"use_ssl"`
}

type BillingConfig struct {
	APIBaseURL          string            `mapstructure:"api_base_url"`
	SecretKey           string            `mapstructure:"secret_key"`
	WebhookSecret       string            `mapstructure:"webhook_secret"`
	Prices              map[string]string `mapstructure:"prices"` // plan -> price id
	SuccessURL          string            `mapstructure:"success_url"`
	CancelURL           string            `mapstructure:"cancel_url"`
	RequireSubscription bool              `mapstructure:"require_subscription"`
}

type MailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// SearchConfig enables the assistant's web search tool. Google is used when both keys are set,
// DuckDuckGo otherwise.
type SearchConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	GoogleAPIKey         string `mapstructure:"google_api_key"`
	GoogleSearchEngineID string `mapstructure:"google_search_engine_id"`
	RateLimit            int    `mapstructure:"rate_limit"` // searches per user per minute
}

// Load reads configuration from the provided path (defaults to config.json).
// Any key can be overridden through the environment, e.g. WINGMAN_BASIC_CONFIG_SERVER_ADDRESS.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(absPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("WINGMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, db := range cfg.Databases {
		if !isSQLite(name) || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	if cfg.BasicConfig.Provider == "" {
		cfg.BasicConfig.Provider = "openai"
	}
	if _, ok := cfg.Providers[cfg.BasicConfig.Provider]; !ok {
		return nil, fmt.Errorf("provider %s is not configured", cfg.BasicConfig.Provider)
	}

	return &cfg, nil
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
