package store

import (
	"fmt"

	"github.com/vircadia/vircadia-world-sub000/internal/config"
)

// New creates a Store from the storage configuration.
func New(cfg config.Storage) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite":
		return NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
