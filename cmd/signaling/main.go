package main

import (
	"context"
	"log"

	"github.com/mossy-p/telepresence/config"
	"github.com/mossy-p/telepresence/internal/clock"
	"github.com/mossy-p/telepresence/internal/handlers"
	"github.com/mossy-p/telepresence/internal/redis"
	"github.com/mossy-p/telepresence/internal/registry"
)

func main() {
	cfg := config.Load()

	var reg registry.Registry
	switch cfg.Registry {
	case "redis":
		client, err := redis.Connect(context.Background(), cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()

		log.Println("Redis connection established")
		reg = registry.NewRedis(client)
	case "memory":
		reg = registry.NewMemory(clock.Real())
	default:
		log.Fatalf("Unknown REGISTRY %q (want memory or redis)", cfg.Registry)
	}

	hub := handlers.NewHub(reg, cfg.PeerTTL)
	router := handlers.NewRouter(cfg, hub)

	log.Printf("Starting signaling broker on port %s (registry: %s, peer ttl: %s)", cfg.Port, cfg.Registry, cfg.PeerTTL)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
