package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/listingsync/pkg/entitlement"
	"github.com/mihaimyh/listingsync/storage/memory"
	"github.com/mihaimyh/listingsync/storage/postgres"
	"github.com/mihaimyh/listingsync/storage/sqlite"
)

// backend is a storage plus the lifecycle hooks the server needs
type backend struct {
	entitlement.Storage
	name  string
	ping  func(context.Context) error
	close func() error
}

func (b *backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// openStorage connects to the backend selected by cfg.Storage
func openStorage(ctx context.Context, cfg *Config, log zerolog.Logger) (*backend, error) {
	switch cfg.Storage {
	case "memory":
		log.Warn().Msg("using in-memory storage; the ledger is lost on restart")
		return &backend{Storage: memory.New(), name: "memory"}, nil

	case "sqlite":
		sc := sqlite.DefaultConfig()
		sc.Path = cfg.SQLitePath
		store, err := sqlite.New(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", sc.Path).Msg("sqlite storage ready")
		return &backend{Storage: store, name: "sqlite", ping: store.Ping, close: store.Close}, nil

	case "postgres":
		pc := postgres.DefaultConfig()
		pc.ConnectionString = cfg.PostgresDSN
		pc.AutoMigrate = cfg.PostgresAutoMigrate
		store, err := postgres.New(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Bool("auto_migrate", pc.AutoMigrate).Msg("postgres storage ready")
		return &backend{
			Storage: store,
			name:    "postgres",
			ping:    store.Ping,
			close: func() error {
				store.Close()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}

// openPostgres opens postgres without applying migrations, for the migrate command
func openPostgres(ctx context.Context, cfg *Config) (*postgres.Storage, error) {
	if cfg.Storage != "postgres" {
		return nil, fmt.Errorf("migrations apply to postgres only (LISTINGSYNC_STORAGE=%s); sqlite creates its schema on open", cfg.Storage)
	}
	pc := postgres.DefaultConfig()
	pc.ConnectionString = cfg.PostgresDSN
	return postgres.New(ctx, pc)
}
