package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Backends selectable for the enrollment engine.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Enrollment EnrollmentConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// EnrollmentConfig tunes the admission engine, its course lanes and job retention.
type EnrollmentConfig struct {
	Storage         string
	SeedFile        string
	JobStore        string
	LockBackend     string
	LockTimeout     time.Duration
	LockTTL         time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	QueueTimeout    time.Duration
	JobRetention    time.Duration
	LaneIdleTimeout time.Duration
	SweepSchedule   string
	DropWait        time.Duration
	NotifyChannel   string
}

// UsesRedis reports whether any enrollment component needs a Redis connection.
func (c EnrollmentConfig) UsesRedis() bool {
	return c.JobStore == BackendRedis || c.LockBackend == BackendRedis || c.NotifyChannel != ""
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		PoolSize: v.GetInt("REDIS_POOL_SIZE"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Enrollment = EnrollmentConfig{
		Storage:         strings.ToLower(v.GetString("ENROLLMENT_STORAGE")),
		SeedFile:        v.GetString("ENROLLMENT_SEED_FILE"),
		JobStore:        strings.ToLower(v.GetString("ENROLLMENT_JOB_STORE")),
		LockBackend:     strings.ToLower(v.GetString("ENROLLMENT_LOCK_BACKEND")),
		LockTimeout:     parseDuration(v.GetString("ENROLLMENT_LOCK_TIMEOUT"), 5*time.Second),
		LockTTL:         parseDuration(v.GetString("ENROLLMENT_LOCK_TTL"), 30*time.Second),
		MaxRetries:      v.GetInt("ENROLLMENT_MAX_RETRIES"),
		RetryBaseDelay:  parseDuration(v.GetString("ENROLLMENT_RETRY_BASE_DELAY"), 200*time.Millisecond),
		RetryMaxDelay:   parseDuration(v.GetString("ENROLLMENT_RETRY_MAX_DELAY"), 5*time.Second),
		QueueTimeout:    parseDuration(v.GetString("ENROLLMENT_QUEUE_TIMEOUT"), 2*time.Minute),
		JobRetention:    parseDuration(v.GetString("ENROLLMENT_JOB_RETENTION"), 15*time.Minute),
		LaneIdleTimeout: parseDuration(v.GetString("ENROLLMENT_LANE_IDLE_TIMEOUT"), 30*time.Second),
		SweepSchedule:   v.GetString("ENROLLMENT_SWEEP_SCHEDULE"),
		DropWait:        parseDuration(v.GetString("ENROLLMENT_DROP_WAIT"), 5*time.Second),
		NotifyChannel:   v.GetString("ENROLLMENT_NOTIFY_CHANNEL"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "course_enrollment")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 20)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENROLLMENT_STORAGE", BackendPostgres)
	v.SetDefault("ENROLLMENT_SEED_FILE", "")
	v.SetDefault("ENROLLMENT_JOB_STORE", BackendMemory)
	v.SetDefault("ENROLLMENT_LOCK_BACKEND", BackendMemory)
	v.SetDefault("ENROLLMENT_LOCK_TIMEOUT", "5s")
	v.SetDefault("ENROLLMENT_LOCK_TTL", "30s")
	v.SetDefault("ENROLLMENT_MAX_RETRIES", 3)
	v.SetDefault("ENROLLMENT_RETRY_BASE_DELAY", "200ms")
	v.SetDefault("ENROLLMENT_RETRY_MAX_DELAY", "5s")
	v.SetDefault("ENROLLMENT_QUEUE_TIMEOUT", "2m")
	v.SetDefault("ENROLLMENT_JOB_RETENTION", "15m")
	v.SetDefault("ENROLLMENT_LANE_IDLE_TIMEOUT", "30s")
	v.SetDefault("ENROLLMENT_SWEEP_SCHEDULE", "@every 30s")
	v.SetDefault("ENROLLMENT_DROP_WAIT", "5s")
	v.SetDefault("ENROLLMENT_NOTIFY_CHANNEL", "")
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
