package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Auth      AuthConfig
	Broker    BrokerConfig
	WebSocket WebSocketConfig
	State     StateConfig
	Heartbeat HeartbeatConfig
	Migration MigrationConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type BrokerConfig struct {
	Type  string // "redis" or "kafka"
	Redis RedisConfig
	Kafka KafkaConfig
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	KeepAlive        bool
}

type StateConfig struct {
	EnablePersistence bool
	KeyPrefix         string
	SweepInterval     int // Seconds
	GlobalTTL         int // Seconds
	UserTTL           int // Seconds
	ThreadTTL         int // Seconds
	AgentTTL          int // Seconds
	WebsocketTTL      int // Seconds
}

type HeartbeatConfig struct {
	Interval    int // Seconds
	PingTimeout int // Seconds
	Threshold   int // Consecutive misses before eviction
}

type MigrationConfig struct {
	ReplayTimeout int // Seconds
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("NOTIFIER")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("config file error: %w", err)
			return
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
