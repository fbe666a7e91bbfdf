package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации инструментов SDK
// (эмулятор koramock и CLI koractl).
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Server  ServerConfig  `mapstructure:"server"`
	Logger  LoggerConfig  `mapstructure:"logger"`
}

// ClientConfig — настройки живого клиента авторизации.
type ClientConfig struct {
	Mode    string `mapstructure:"mode"` // sandbox | live
	BaseURL string `mapstructure:"base_url"`
	Mandate string `mapstructure:"mandate"`

	// SecretPath — путь к файлу с секретом агента. Сам секрет может
	// прилететь напрямую через KORA_AGENT_SECRET_DATA.
	SecretPath string `mapstructure:"secret_path"`
	Secret     string

	TTLSeconds     int64         `mapstructure:"ttl_seconds"`
	MaxRetries     int           `mapstructure:"max_retries"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// SandboxConfig — лимиты офлайнового режима.
type SandboxConfig struct {
	DailyLimitCents        int64    `mapstructure:"daily_limit_cents"`
	MonthlyLimitCents      int64    `mapstructure:"monthly_limit_cents"`
	Currency               string   `mapstructure:"currency"`
	PerTransactionMaxCents int64    `mapstructure:"per_transaction_max_cents"`
	AllowedVendors         []string `mapstructure:"allowed_vendors"`
}

// ServerConfig — настройки эмулятора koramock.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// AdminKeyHashPath — путь к файлу с bcrypt-хэшем админского ключа.
	// Хэш может прилететь и напрямую через KORA_ADMIN_KEY_HASH_DATA.
	AdminKeyHashPath string `mapstructure:"admin_key_hash_path"`
	AdminKeyHash     string

	// ScanTokenSecretPath — секрет HS256 для scan-токенов,
	// ENV-альтернатива KORA_SCAN_SECRET_DATA.
	ScanTokenSecretPath string `mapstructure:"scan_token_secret_path"`
	ScanTokenSecret     []byte

	JournalPath string `mapstructure:"journal_path"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENV перекрывает файл: KORA_CLIENT_MODE=live перекроет client.mode
	v.SetEnvPrefix("kora")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Секреты: сначала смотрим, не лежат ли они в ENV (Docker/K8s),
	// если нет — читаем файл по указанному пути.
	cfg.Client.Secret = strings.TrimSpace(string(loadKeyResource(cfg.Client.SecretPath, "KORA_AGENT_SECRET_DATA")))
	cfg.Server.AdminKeyHash = strings.TrimSpace(string(loadKeyResource(cfg.Server.AdminKeyHashPath, "KORA_ADMIN_KEY_HASH_DATA")))
	cfg.Server.ScanTokenSecret = loadKeyResource(cfg.Server.ScanTokenSecretPath, "KORA_SCAN_SECRET_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.mode", "sandbox")
	v.SetDefault("client.ttl_seconds", 300)
	v.SetDefault("client.max_retries", 2)
	v.SetDefault("client.attempt_timeout", 30*time.Second)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — универсальный хелпер: значение из ENV или файл по пути.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
