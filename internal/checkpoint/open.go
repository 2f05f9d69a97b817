package checkpoint

import (
	"context"
	"path/filepath"

	"github.com/spherical/batch-extractor/internal/config"
	"github.com/spherical/batch-extractor/internal/domain"
)

// Open builds the store selected by cfg.Checkpoint.Driver.
func Open(ctx context.Context, cfg *config.Config) (domain.CheckpointStore, error) {
	cp := cfg.Checkpoint

	switch cp.Driver {
	case "", "file":
		path := cp.Path
		if path == "" {
			path = filepath.Join(cfg.RecoveryDir(), "checkpoint.jsonl")
		}
		store, err := OpenFileStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil

	case "sqlite":
		path := cp.Path
		if path == "" {
			path = filepath.Join(cfg.RecoveryDir(), "checkpoint.db")
		}
		store, err := OpenSQLiteStore(ctx, path)
		if err != nil {
			return nil, err
		}
		return store, nil

	case "postgres":
		store, err := OpenPostgresStore(ctx, cp.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil

	case "redis":
		batch, err := filepath.Abs(cfg.Input.OutputFolder)
		if err != nil {
			batch = cfg.Input.OutputFolder
		}
		store, err := OpenRedisStore(ctx, RedisConfig{
			Addr:   cp.RedisAddr,
			DB:     cp.RedisDB,
			Prefix: cp.Prefix,
			Batch:  batch,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, domain.ConfigError("unknown checkpoint driver: "+cp.Driver, nil)
	}
}
