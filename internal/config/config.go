package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Хранилища комментариев
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config содержит конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Client   ClientConfig
}

// ServerConfig содержит настройки HTTP сервера
type ServerConfig struct {
	Host string
	Port string
	// AllowedOrigins источники, которым разрешены CORS-запросы
	AllowedOrigins []string
	// SubscriberBuffer размер очереди событий одного подписчика push-канала
	SubscriberBuffer int
}

// DatabaseConfig содержит настройки базы данных
type DatabaseConfig struct {
	// Storage postgres или memory; memory хранит треды в памяти процесса
	Storage  string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Migrate включает применение миграций при старте
	Migrate bool
}

// ClientConfig содержит настройки клиентского движка и threadctl
type ClientConfig struct {
	ServerURL      string
	UserID         string
	RemoteTimeout  time.Duration
	OrphanTimeout  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxReconnects ограничивает число подряд неудачных подключений; 0 без ограничения
	MaxReconnects int
	LoopBuffer    int
}

// Load загружает конфигурацию из переменных окружения
// Приоритет: переменные окружения системы > .env файл > значения по умолчанию
func Load() (*Config, error) {
	// Загружаем .env файл, если он существует (игнорируем ошибку, если файла нет)
	_ = godotenv.Load()

	var p parser
	cfg := &Config{
		Server: ServerConfig{
			Host:             getEnv("SERVER_HOST", "localhost"),
			Port:             getEnv("SERVER_PORT", "8080"),
			AllowedOrigins:   p.envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			SubscriberBuffer: p.envInt("SUBSCRIBER_BUFFER", 64),
		},
		Database: DatabaseConfig{
			Storage:  getEnv("STORAGE", StoragePostgres),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "commentsync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Migrate:  p.envBool("DB_MIGRATE", true),
		},
		Client: ClientConfig{
			ServerURL:      getEnv("COMMENTSYNC_URL", "http://localhost:8080"),
			UserID:         getEnv("COMMENTSYNC_USER", ""),
			RemoteTimeout:  p.envDuration("REMOTE_TIMEOUT", 10*time.Second),
			OrphanTimeout:  p.envDuration("ORPHAN_TIMEOUT", 30*time.Second),
			BackoffInitial: p.envDuration("RECONNECT_BACKOFF_INITIAL", 500*time.Millisecond),
			BackoffMax:     p.envDuration("RECONNECT_BACKOFF_MAX", 30*time.Second),
			MaxReconnects:  p.envInt("RECONNECT_MAX_ATTEMPTS", 0),
			LoopBuffer:     p.envInt("LOOP_BUFFER", 64),
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.Database.Storage != StoragePostgres && cfg.Database.Storage != StorageMemory {
		return nil, fmt.Errorf("invalid STORAGE %q: must be %s or %s",
			cfg.Database.Storage, StoragePostgres, StorageMemory)
	}
	if cfg.Client.BackoffMax < cfg.Client.BackoffInitial {
		return nil, fmt.Errorf("RECONNECT_BACKOFF_MAX %s is less than RECONNECT_BACKOFF_INITIAL %s",
			cfg.Client.BackoffMax, cfg.Client.BackoffInitial)
	}
	if cfg.Client.RemoteTimeout <= 0 || cfg.Client.OrphanTimeout <= 0 {
		return nil, fmt.Errorf("timeouts must be positive")
	}

	return cfg, nil
}

// DSN возвращает строку подключения к PostgreSQL
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL возвращает строку подключения в формате URL, нужном для миграций
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// Addr возвращает адрес для прослушивания
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser запоминает первую ошибку разбора
type parser struct {
	err error
}

func (p *parser) envInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		p.fail(fmt.Errorf("invalid %s %q: must be a non-negative integer", key, value))
		return defaultValue
	}
	return n
}

func (p *parser) envBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: %w", key, value, err))
		return defaultValue
	}
	return b
}

func (p *parser) envDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: %w", key, value, err))
		return defaultValue
	}
	return d
}

func (p *parser) envList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
