package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"datahub/db"
	"datahub/store"
	"datahub/users"
)

// storage bundles the session store and account repository of one backend.
type storage struct {
	Store store.Store
	Users users.Repository
	db    *sql.DB
}

func (s *storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// openStorage selects the backend named by cfg.Driver.
func openStorage(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (*storage, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Info("using in-memory store", "note", "sessions and accounts are lost on restart")
		return &storage{Store: store.NewMemoryStore(), Users: users.NewMemoryRepository()}, nil
	case "postgres":
		if cfg.AutoMigrate {
			if err := db.Migrate(cfg.DSN, "up"); err != nil && !errors.Is(err, db.ErrNoChange) {
				return nil, err
			}
			logger.Info("database schema up to date")
		}
		conn, err := db.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return &storage{
			Store: store.NewPostgresStore(conn),
			Users: users.NewPostgresRepository(conn),
			db:    conn,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
