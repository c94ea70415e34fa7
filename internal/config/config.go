package config

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Keys understood by Load. Nested keys map to CHATCORE_LOG_LEVEL style
// environment variables.
const (
	KeyAddr             = "addr"
	KeyStore            = "store"
	KeyDSN              = "dsn"
	KeyMigrate          = "migrate"
	KeySigningKey       = "signing_key"
	KeyAllowedOrigins   = "allowed_origins"
	KeyLogLevel         = "log.level"
	KeyLogFile          = "log.file"
	KeyLogMaxSize       = "log.max_size"
	KeyLogMaxBackups    = "log.max_backups"
	KeyLogMaxAge        = "log.max_age"
	KeyLogMode          = "log.mode"
	KeyRedisAddr        = "redis.addr"
	KeyRedisPassword    = "redis.password"
	KeyRedisDB          = "redis.db"
	KeyKafkaBrokers     = "kafka.brokers"
	KeyKafkaTopic       = "kafka.topic"
	KeyWSSendBuffer     = "ws.send_buffer"
	KeyWSMaxMessageSize = "ws.max_message_size"
)

const EnvPrefix = "CHATCORE"

type LogConfig struct {
	Level      string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Mode       string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type WSConfig struct {
	SendBuffer     int
	MaxMessageSize int64
}

type Config struct {
	ServerAddr     string
	Store          string
	DatabaseDSN    string
	Migrate        bool
	SigningKey     []byte
	AllowedOrigins []string
	Log            LogConfig
	Redis          RedisConfig
	Kafka          KafkaConfig
	WS             WSConfig
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, "localhost:8000")
	v.SetDefault(KeyStore, StoreMemory)
	v.SetDefault(KeyMigrate, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogMaxSize, 100)
	v.SetDefault(KeyLogMaxBackups, 5)
	v.SetDefault(KeyLogMaxAge, 30)
	v.SetDefault(KeyLogMode, "prod")
	v.SetDefault(KeyKafkaTopic, "chat-events")
	v.SetDefault(KeyWSSendBuffer, 256)
	v.SetDefault(KeyWSMaxMessageSize, 4096)
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// stringSlice accepts both list values and comma separated strings, which is
// how lists arrive from flags and environment variables.
func stringSlice(v *viper.Viper, key string) []string {
	var out []string
	for _, s := range v.GetStringSlice(key) {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServerAddr:     v.GetString(KeyAddr),
		Store:          strings.ToLower(v.GetString(KeyStore)),
		DatabaseDSN:    v.GetString(KeyDSN),
		Migrate:        v.GetBool(KeyMigrate),
		AllowedOrigins: stringSlice(v, KeyAllowedOrigins),
		Log: LogConfig{
			Level:      v.GetString(KeyLogLevel),
			File:       v.GetString(KeyLogFile),
			MaxSize:    v.GetInt(KeyLogMaxSize),
			MaxBackups: v.GetInt(KeyLogMaxBackups),
			MaxAge:     v.GetInt(KeyLogMaxAge),
			Mode:       v.GetString(KeyLogMode),
		},
		Redis: RedisConfig{
			Addr:     v.GetString(KeyRedisAddr),
			Password: v.GetString(KeyRedisPassword),
			DB:       v.GetInt(KeyRedisDB),
		},
		Kafka: KafkaConfig{
			Brokers: stringSlice(v, KeyKafkaBrokers),
			Topic:   v.GetString(KeyKafkaTopic),
		},
		WS: WSConfig{
			SendBuffer:     v.GetInt(KeyWSSendBuffer),
			MaxMessageSize: v.GetInt64(KeyWSMaxMessageSize),
		},
	}

	if secret := v.GetString(KeySigningKey); secret != "" {
		key, err := decodeSigningSecret(secret)
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
		cfg.SigningKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.Store {
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database DSN cannot be empty for the postgres store")
		}
	case StoreMemory:
		if c.Migrate {
			return fmt.Errorf("migrate requires the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if !slices.Contains([]string{"dev", "prod"}, c.Log.Mode) {
		return fmt.Errorf("unknown log mode %q", c.Log.Mode)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic cannot be empty when brokers are set")
	}

	if c.WS.SendBuffer < 1 {
		return fmt.Errorf("ws send buffer must be positive")
	}
	if c.WS.MaxMessageSize < 1 {
		return fmt.Errorf("ws max message size must be positive")
	}

	return nil
}
