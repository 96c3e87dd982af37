package store

import (
	"fmt"
	"time"

	"github.com/ashureev/cpf-advisor/internal/config"
)

// Open creates the repository selected by cfg.
func Open(cfg config.StoreConfig, ttl time.Duration) (Repository, error) {
	switch cfg.Backend {
	case config.StoreMemory, "":
		return NewMemory(), nil
	case config.StoreSQLite:
		return NewSQLite(cfg.DBPath)
	case config.StoreRedis:
		return NewRedis(cfg.RedisAddr, cfg.RedisDB, ttl)
	}
	return nil, fmt.Errorf("unknown session store %q", cfg.Backend)
}
