package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации ядра.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Signing   SigningConfig   `mapstructure:"signing"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Audit     AuditConfig     `mapstructure:"audit"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
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

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL: работа без БД (журнал только в лог).
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub сигналов обновления политик).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SigningConfig — хранилище ключей и окна ротации/хранения
type SigningConfig struct {
	KeyDir         string        `mapstructure:"key_dir"`
	RotationWindow time.Duration `mapstructure:"rotation_window"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	RetainedKeys   int           `mapstructure:"retained_keys"`
	Source         string        `mapstructure:"source"` // поле source подписываемых событий
}

type PolicyConfig struct {
	BundlePath string `mapstructure:"bundle_path"`
}

// AuditConfig — буфер журнала и надежность записи в БД
type AuditConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	BatchSize       int           `mapstructure:"batch_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	RetryAttempts   uint          `mapstructure:"retry_attempts"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// RateLimitConfig — token bucket на HTTP-входе
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// AuthConfig — проверка операторских токенов на админских маршрутах.
// Без public_key_path ротация по API и /admin/policies не монтируются.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"` // PEM, RS256
	AdminScope    string `mapstructure:"admin_scope"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
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

	if cfg.Signing.KeyDir == "" {
		return nil, errors.New("signing.key_dir is required")
	}
	return &cfg, nil
}

// Все ключи должны иметь дефолт: AutomaticEnv подхватывает ENV только для известных viper ключей
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("grpc.addr", ":50052")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("signing.key_dir", "./keys")
	v.SetDefault("signing.rotation_window", 30*24*time.Hour)
	v.SetDefault("signing.check_interval", 24*time.Hour)
	v.SetDefault("signing.retained_keys", 3)
	v.SetDefault("signing.source", "verdictd")

	v.SetDefault("policy.bundle_path", "")

	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("audit.retry_attempts", 3)
	v.SetDefault("audit.write_timeout", 10*time.Second)
	v.SetDefault("audit.breaker_failures", 5)
	v.SetDefault("audit.breaker_timeout", 30*time.Second)

	v.SetDefault("ratelimit.rps", 1000)
	v.SetDefault("ratelimit.burst", 200)

	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.admin_scope", "admin")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
