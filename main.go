package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/agent-notifier/broker"
	"github.com/abdelmounim-dev/agent-notifier/config"
	"github.com/abdelmounim-dev/agent-notifier/heartbeat"
	"github.com/abdelmounim-dev/agent-notifier/metrics"
	"github.com/abdelmounim-dev/agent-notifier/migration"
	"github.com/abdelmounim-dev/agent-notifier/registry"
	"github.com/abdelmounim-dev/agent-notifier/router"
	"github.com/abdelmounim-dev/agent-notifier/server"
	"github.com/abdelmounim-dev/agent-notifier/services"
	"github.com/abdelmounim-dev/agent-notifier/state"
	"github.com/abdelmounim-dev/agent-notifier/tasks"
	"github.com/abdelmounim-dev/agent-notifier/websocket"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	// Generate a unique ID for this server instance
	serverID := uuid.New().String()
	log.Printf("Starting notifier instance with ID: %s", serverID)

	// Redis backs the broker (when selected), the state mirror and the JWT
	// revocation list, so the client is created unconditionally.
	redisClient, err := services.NewRedisClient(cfg.Broker.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer services.CloseRedisClient(redisClient)

	// --- Dynamic Broker Initialization ---
	var messageBroker broker.MessageBroker

	log.Printf("Initializing message broker of type: %s", cfg.Broker.Type)
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		messageBroker = broker.NewRedisBroker(redisClient)
	case "kafka":
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID)
		if err != nil {
			log.Fatalf("Failed to create Kafka broker: %v", err)
		}
	default:
		// Caught by config validation, checked again as a safeguard.
		log.Fatalf("Invalid broker type specified: %s", cfg.Broker.Type)
	}
	defer messageBroker.Close()

	// Scoped state store
	stateStore := state.New(state.Config{
		GlobalTTL:     time.Duration(cfg.State.GlobalTTL) * time.Second,
		UserTTL:       time.Duration(cfg.State.UserTTL) * time.Second,
		ThreadTTL:     time.Duration(cfg.State.ThreadTTL) * time.Second,
		AgentTTL:      time.Duration(cfg.State.AgentTTL) * time.Second,
		WebsocketTTL:  time.Duration(cfg.State.WebsocketTTL) * time.Second,
		SweepInterval: time.Duration(cfg.State.SweepInterval) * time.Second,
	})
	defer stateStore.Close()
	if cfg.State.EnablePersistence {
		stateStore.EnableMirror(redisClient, cfg.State.KeyPrefix)
		log.Println("State persistence mirror is ENABLED.")
	}

	// Connection registry and event router
	connRegistry := registry.New()
	stateStore.BindConnections(connRegistry)

	eventRouter := router.New(connRegistry)
	eventRouter.BindStore(stateStore)
	eventRouter.BindBroker(messageBroker, serverID)

	// Heartbeat monitor
	monitor := heartbeat.New(connRegistry, stateStore, eventRouter, heartbeat.Config{
		Interval:    time.Duration(cfg.Heartbeat.Interval) * time.Second,
		PingTimeout: time.Duration(cfg.Heartbeat.PingTimeout) * time.Second,
		Threshold:   cfg.Heartbeat.Threshold,
	})
	go monitor.Run(ctx)

	// Background task supervisor
	supervisor := tasks.New(stateStore, eventRouter)

	// Migration coordinator
	coordinator := migration.New(connRegistry, stateStore, eventRouter, messageBroker, serverID,
		time.Duration(cfg.Migration.ReplayTimeout)*time.Second)

	// Auth Initialization
	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, redisClient)
		log.Println("JWT Authentication is ENABLED.")
	} else {
		log.Println("JWT Authentication is DISABLED.")
	}

	// Transport handler
	handler := websocket.NewHandler(connRegistry, stateStore, messageBroker, jwtValidator, &cfg.Auth, &cfg.WebSocket, serverID)

	// Broker listeners: events addressed to local users, inbound migrations
	go func() {
		if err := eventRouter.ListenForEvents(ctx); err != nil && err != context.Canceled {
			log.Printf("Event listener stopped: %v", err)
		}
	}()
	go func() {
		if err := coordinator.ListenForPackages(ctx); err != nil && err != context.Canceled {
			log.Printf("Migration listener stopped: %v", err)
		}
	}()

	// Metrics
	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// HTTP server
	port := ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.New(port, handler.HandleWebSocket, server.Diagnostics{
		Registry:   connRegistry,
		Monitor:    monitor,
		Supervisor: supervisor,
	})
	go srv.Start()
	log.Println("Agent notifier started on " + port)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received")

	// Graceful shutdown: stop accepting, drain tasks, close connections.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		log.Printf("Task supervisor shutdown error: %v", err)
	}
	connRegistry.CloseAll(1001, "Server shutting down")
	cancel()
}
