package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	// Validate broker configuration
	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		if c.Broker.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	// Heartbeat sanity: a probe must resolve before the next round starts,
	// and eviction needs at least one miss.
	if c.Heartbeat.Threshold < 1 {
		return errors.New("heartbeat threshold must be at least 1")
	}
	if c.Heartbeat.PingTimeout >= c.Heartbeat.Interval {
		return errors.New("heartbeat ping timeout must be less than the heartbeat interval")
	}
	if c.Heartbeat.Interval >= c.WebSocket.ActivityTimeout {
		return errors.New("heartbeat interval should be less than activity timeout")
	}

	// The per-connection state must outlive the window in which heartbeats
	// can still rescue the connection.
	if c.State.WebsocketTTL <= c.Heartbeat.Interval*c.Heartbeat.Threshold {
		return errors.New("state websocketTTL should exceed heartbeat interval * threshold")
	}
	if c.State.SweepInterval < 1 {
		return errors.New("state sweep interval must be at least 1 second")
	}

	if c.State.EnablePersistence && c.Broker.Redis.Address == "" {
		return errors.New("state persistence requires a redis address")
	}

	if c.Migration.ReplayTimeout < 1 {
		return errors.New("migration replay timeout must be at least 1 second")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "NOTIFIER_PORT")

	// Auth
	viper.BindEnv("auth.enabled", "NOTIFIER_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "NOTIFIER_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "NOTIFIER_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.revocationListKey", "NOTIFIER_AUTH_REVOCATION_KEY")

	// Broker
	viper.BindEnv("broker.type", "NOTIFIER_BROKER_TYPE")
	viper.BindEnv("broker.redis.address", "NOTIFIER_REDIS_ADDRESS")
	viper.BindEnv("broker.redis.password", "NOTIFIER_REDIS_PASSWORD")
	viper.BindEnv("broker.kafka.brokers", "NOTIFIER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.groupID", "NOTIFIER_KAFKA_GROUPID")

	// WebSocket
	viper.BindEnv("websocket.maxConnections", "NOTIFIER_MAX_CONNECTIONS")
	viper.BindEnv("websocket.handshakeTimeout", "NOTIFIER_HANDSHAKE_TIMEOUT")
	viper.BindEnv("websocket.pongTimeout", "NOTIFIER_PONG_TIMEOUT")
	viper.BindEnv("websocket.activityTimeout", "NOTIFIER_ACTIVITY_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "NOTIFIER_WRITE_TIMEOUT")

	// State store
	viper.BindEnv("state.enablePersistence", "NOTIFIER_STATE_PERSISTENCE")
	viper.BindEnv("state.keyPrefix", "NOTIFIER_STATE_KEY_PREFIX")
	viper.BindEnv("state.sweepInterval", "NOTIFIER_STATE_SWEEP_INTERVAL")
	viper.BindEnv("state.userTTL", "NOTIFIER_STATE_USER_TTL")
	viper.BindEnv("state.websocketTTL", "NOTIFIER_STATE_WEBSOCKET_TTL")

	// Heartbeat
	viper.BindEnv("heartbeat.interval", "NOTIFIER_HEARTBEAT_INTERVAL")
	viper.BindEnv("heartbeat.pingTimeout", "NOTIFIER_HEARTBEAT_PING_TIMEOUT")
	viper.BindEnv("heartbeat.threshold", "NOTIFIER_HEARTBEAT_THRESHOLD")

	// Migration
	viper.BindEnv("migration.replayTimeout", "NOTIFIER_MIGRATION_REPLAY_TIMEOUT")
}
