package config

import (
	"log"
	"os"
	"time"

	"GuardDispatch/pkg/cache"
	"GuardDispatch/pkg/logger"
	"GuardDispatch/pkg/util"
)

// DispatchConfig 派单协调器配置
type DispatchConfig struct {
	ConfirmTimeout   time.Duration `env:"DISPATCH_CONFIRM_TIMEOUT"`
	SnapshotInterval time.Duration `env:"DISPATCH_SNAPSHOT_INTERVAL"`
	RefreshSchedule  string        `env:"DISPATCH_REFRESH_SCHEDULE"`
}

// MQTTConfig guard device link
type MQTTConfig struct {
	Enabled     bool   `env:"MQTT_ENABLED"`
	Broker      string `env:"MQTT_BROKER"`
	ClientID    string `env:"MQTT_CLIENT_ID"`
	Username    string `env:"MQTT_USERNAME"`
	Password    string `env:"MQTT_PASSWORD"`
	TopicPrefix string `env:"MQTT_TOPIC_PREFIX"`
}

type Config struct {
	DBDriver      string `env:"DB_DRIVER"`
	DSN           string `env:"DSN"`
	Log           logger.LogConfig
	Addr          string        `env:"ADDR"`
	Mode          string        `env:"MODE"`
	APIPrefix     string        `env:"API_PREFIX"`
	SessionSecret string        `env:"SESSION_SECRET"`
	AuthTokens    string        `env:"AUTH_TOKENS"`
	RateLimit     string        `env:"RATE_LIMIT"`
	ResetTokenTTL time.Duration `env:"RESET_TOKEN_TTL"`
	Dispatch      DispatchConfig
	Cache         cache.Config
	MQTT          MQTTConfig
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	if err := util.LoadEnv(env); err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 加载全局配置
	GlobalConfig = FromEnv()
	return nil
}

// FromEnv reads the configuration from the process environment, applying defaults.
func FromEnv() *Config {
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Type = util.GetEnvDefault("CACHE_TYPE", cacheCfg.Type)
	cacheCfg.Redis.Addr = util.GetEnvDefault("REDIS_ADDR", cacheCfg.Redis.Addr)
	cacheCfg.Redis.Password = util.GetEnv("REDIS_PASSWORD")
	cacheCfg.Redis.DB = int(util.GetIntEnv("REDIS_DB"))
	cacheCfg.Redis.KeyPrefix = util.GetEnvDefault("REDIS_KEY_PREFIX", cacheCfg.Redis.KeyPrefix)
	if size := util.GetIntEnv("LOCAL_CACHE_MAX_SIZE"); size > 0 {
		cacheCfg.Local.MaxSize = int(size)
	}

	return &Config{
		DBDriver:      util.GetEnvDefault("DB_DRIVER", "sqlite"),
		DSN:           util.GetEnv("DSN"),
		Addr:          util.GetEnvDefault("ADDR", ":8080"),
		Mode:          util.GetEnvDefault("MODE", "production"),
		APIPrefix:     util.GetEnv("API_PREFIX"),
		SessionSecret: util.GetEnvDefault("SESSION_SECRET", "change-me"),
		AuthTokens:    util.GetEnv("AUTH_TOKENS"),
		RateLimit:     util.GetEnvDefault("RATE_LIMIT", "300-M"),
		ResetTokenTTL: util.GetDurationEnv("RESET_TOKEN_TTL", 30*time.Minute),
		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		Dispatch: DispatchConfig{
			ConfirmTimeout:   util.GetDurationEnv("DISPATCH_CONFIRM_TIMEOUT", time.Minute),
			SnapshotInterval: util.GetDurationEnv("DISPATCH_SNAPSHOT_INTERVAL", 15*time.Second),
			RefreshSchedule:  util.GetEnvDefault("DISPATCH_REFRESH_SCHEDULE", "@every 1m"),
		},
		Cache: cacheCfg,
		MQTT: MQTTConfig{
			Enabled:     util.GetBoolEnv("MQTT_ENABLED"),
			Broker:      util.GetEnvDefault("MQTT_BROKER", "tcp://localhost:1883"),
			ClientID:    util.GetEnvDefault("MQTT_CLIENT_ID", "guard-dispatch"),
			Username:    util.GetEnv("MQTT_USERNAME"),
			Password:    util.GetEnv("MQTT_PASSWORD"),
			TopicPrefix: util.GetEnvDefault("MQTT_TOPIC_PREFIX", "dispatch"),
		},
	}
}
