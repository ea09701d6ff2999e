package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	// Auth
	viper.SetDefault("auth.enabled", false) // Default to off for security
	viper.SetDefault("auth.jwtSecret", "default-secret")
	viper.SetDefault("auth.tokenQueryParam", "token")
	viper.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Broker
	viper.SetDefault("broker.type", "redis")
	viper.SetDefault("broker.redis.address", "localhost:6379")
	viper.SetDefault("broker.redis.db", 0)
	viper.SetDefault("broker.redis.poolSize", 100)
	viper.SetDefault("broker.redis.poolTimeout", 5)
	viper.SetDefault("broker.kafka.groupID", "agent-notifier")

	// WebSocket
	viper.SetDefault("websocket.maxConnections", 10000)
	viper.SetDefault("websocket.messageSizeLimit", 4096)
	viper.SetDefault("websocket.handshakeTimeout", 10)
	viper.SetDefault("websocket.pongTimeout", 60)
	viper.SetDefault("websocket.activityTimeout", 300)
	viper.SetDefault("websocket.writeTimeout", 10)
	viper.SetDefault("websocket.keepAlive", true)

	// State store
	viper.SetDefault("state.enablePersistence", false)
	viper.SetDefault("state.keyPrefix", "notifier:state")
	viper.SetDefault("state.sweepInterval", 60)
	viper.SetDefault("state.globalTTL", 86400)
	viper.SetDefault("state.userTTL", 3600)
	viper.SetDefault("state.threadTTL", 1800)
	viper.SetDefault("state.agentTTL", 900)
	viper.SetDefault("state.websocketTTL", 300)

	// Heartbeat
	viper.SetDefault("heartbeat.interval", 30)
	viper.SetDefault("heartbeat.pingTimeout", 5)
	viper.SetDefault("heartbeat.threshold", 3)

	// Migration
	viper.SetDefault("migration.replayTimeout", 10)

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
}
