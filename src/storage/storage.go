package storage

import (
	"fmt"

	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"
)

// NewDatabase builds the backend named by storage.db_type. Initialize is left
// to the caller.
func NewDatabase(cfg *models.MConfig, log *logger.Logger) (interfaces.IDatabase, error) {
	if log == nil {
		log = logger.NewNopLogger("storage")
	}
	switch cfg.Storage.DBType {
	case "postgres":
		return NewPostgresDB(cfg, log)
	case "redis":
		return NewRedisDB(cfg, log)
	case "memory":
		return NewMemoryDB(), nil
	case "sqlite", "":
		return NewAsyncSQLiteDB(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Storage.DBType)
	}
}

var (
	_ interfaces.IDatabase = (*AsyncSQLiteDB)(nil)
	_ interfaces.IDatabase = (*PostgresDB)(nil)
	_ interfaces.IDatabase = (*RedisDB)(nil)
	_ interfaces.IDatabase = (*MemoryDB)(nil)
)
