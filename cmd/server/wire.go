//go:build wireinject
// +build wireinject

package main

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/gatekit/internal/config"
	"github.com/Wei-Shaw/gatekit/internal/handler"
	"github.com/Wei-Shaw/gatekit/internal/repository"
	"github.com/Wei-Shaw/gatekit/internal/server"
	"github.com/Wei-Shaw/gatekit/internal/service"
)

type Application struct {
	Config             *config.Config
	Server             *http.Server
	IdempotencyCleanup *service.IdempotencyCleanupService
	Cleanup            func()
}

func initializeApplication() (*Application, error) {
	wire.Build(
		// Infrastructure layer ProviderSets
		config.ProviderSet,

		// Business layer ProviderSets
		repository.ProviderSet,
		service.ProviderSet,
		handler.ProviderSet,

		// Server layer ProviderSet
		server.ProviderSet,

		// Cleanup function provider
		provideCleanup,

		// Application struct
		wire.Struct(new(Application), "Config", "Server", "IdempotencyCleanup", "Cleanup"),
	)
	return nil, nil
}

func provideCleanup(
	db *sql.DB,
	rdb *redis.Client,
	idempotencyCleanup *service.IdempotencyCleanupService,
) func() {
	return func() {
		if idempotencyCleanup != nil {
			idempotencyCleanup.Stop()
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Printf("[Cleanup] Redis close failed: %v", err)
			}
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("[Cleanup] Database close failed: %v", err)
			}
		}
	}
}
