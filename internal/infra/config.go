package infra

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации сервиса agentd.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	EventStore EventStoreConfig `mapstructure:"eventstore"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Connector  ConnectorConfig  `mapstructure:"connector"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	// Создавать таблицы журнала при старте (CREATE ... IF NOT EXISTS)
	EnsureSchema bool `mapstructure:"ensure_schema"`
}

// RedisConfig описывает подключение к Redis (журнал, снапшоты, Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Публиковать уведомления о событиях и держать кэш статусов по Pub/Sub
	Notify bool `mapstructure:"notify"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки JWT.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
	PublicKey     []byte
}

// EventStoreConfig выбирает бэкенд журнала: postgres | redis | sqlite | memory.
type EventStoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// SnapshotConfig: политика и хранилище снапшотов.
type SnapshotConfig struct {
	Driver      string `mapstructure:"driver"` // postgres | redis | sqlite | memory | none
	Frequency   uint64 `mapstructure:"frequency"`
	InlinePrune bool   `mapstructure:"inline_prune"`
	Codec       string `mapstructure:"codec"`    // json | cbor
	Compress    string `mapstructure:"compress"` // none | zstd
}

// EngineConfig: аудит команд, защита транспорта и повтор при конфликтах.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Настройки Circuit Breaker для внешних коннекторов и публикации
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`

	RetryAttempts uint          `mapstructure:"retry_attempts"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`

	// Сколько раз команда перечитывает агрегат при конфликте версий
	ConflictRetries uint `mapstructure:"conflict_retries"`
}

// ConnectorConfig: адрес gRPC сервиса исполнения capability. Пусто: mock.
type ConnectorConfig struct {
	Address string `mapstructure:"address"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, console
	File       string `mapstructure:"file"`   // путь для ротации, пусто: только stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// paths: дополнительные каталоги поиска config.yaml.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: SNAPSHOT_FREQUENCY=50 перекроет snapshot.frequency
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. PEM-ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.notify", false)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("eventstore.driver", "memory")
	v.SetDefault("eventstore.sqlite_path", "agentledger.db")
	v.SetDefault("snapshot.driver", "memory")
	v.SetDefault("snapshot.frequency", 50)
	v.SetDefault("snapshot.inline_prune", true)
	v.SetDefault("snapshot.codec", "json")
	v.SetDefault("snapshot.compress", "none")
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.cb_failures", 5)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.call_timeout", 10*time.Second)
	v.SetDefault("engine.rate_limit", 100)
	v.SetDefault("engine.rate_burst", 20)
	v.SetDefault("engine.conflict_retries", 3)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 30)
}

var (
	eventStoreDrivers = []string{"postgres", "redis", "sqlite", "memory"}
	snapshotDrivers   = []string{"postgres", "redis", "sqlite", "memory", "none"}
)

// Validate проверяет согласованность выбранных драйверов.
func (c *Config) Validate() error {
	if !slices.Contains(eventStoreDrivers, c.EventStore.Driver) {
		return fmt.Errorf("config: unknown eventstore.driver %q", c.EventStore.Driver)
	}
	if !slices.Contains(snapshotDrivers, c.Snapshot.Driver) {
		return fmt.Errorf("config: unknown snapshot.driver %q", c.Snapshot.Driver)
	}
	needsPG := c.EventStore.Driver == "postgres" || c.Snapshot.Driver == "postgres"
	if needsPG && c.Database.URL == "" {
		return errors.New("config: database.url is required for the postgres driver")
	}
	if c.Auth.Enabled && len(c.Auth.PublicKey) == 0 {
		return errors.New("config: auth enabled but no public key found")
	}
	return nil
}

// NeedsRedis: хотя бы одному компоненту нужен клиент Redis.
func (c *Config) NeedsRedis() bool {
	return c.Redis.Notify || c.EventStore.Driver == "redis" || c.Snapshot.Driver == "redis"
}

// loadKeyResource: ключ из ENV имеет приоритет над файлом.
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
