package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/quantumauth-io/tpm-decrypt/retry"
)

// NewPool connects a pgx pool, retrying while the database comes up.
func NewPool(ctx context.Context, s Settings) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(s)
	if err != nil {
		return nil, err
	}

	result, err := retry.Retry(ctx, retryConfig(),
		func(ctx context.Context) ([]interface{}, error) {
			pool, err2 := pgxpool.ConnectConfig(ctx, poolCfg)
			if err2 != nil {
				return nil, errors.Wrap(err2, "error opening the database")
			}
			if err2 := pool.Ping(ctx); err2 != nil {
				pool.Close()
				return nil, errors.Wrap(err2, "error pinging the database")
			}
			return []interface{}{pool}, nil
		},
		nil,
		"Database Connection",
	)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to instanciate db after retries")
	}
	return result[0].(*pgxpool.Pool), nil
}

// PoolConfig parses the connection string and applies pool sizing defaults.
func PoolConfig(s Settings) (*pgxpool.Config, error) {
	connStr, err := ConnectionString(s)
	if err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(databaseDriverType + "://" + connStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}

	minPool := s.MinPoolSize
	if minPool == 0 {
		minPool = defaultMinDBPoolSize
	}
	maxPool := s.MaxPoolSize
	if maxPool == 0 {
		maxPool = defaultMaxDBPoolSize
	}
	maxLifetime := s.ConnectionMaxLifetime
	if maxLifetime == 0 {
		maxLifetime = defaultConnectionMaxLifetime
	}
	maxIdle := s.ConnectionMaxIdleTime
	if maxIdle == 0 {
		maxIdle = defaultConnectionMaxIdleTime
	}

	cfg.MinConns = int32(minPool)
	cfg.MaxConns = int32(maxPool)
	cfg.MaxConnLifetime = maxLifetime
	cfg.MaxConnIdleTime = maxIdle
	// proactively check connections so dead ones don't linger
	cfg.HealthCheckPeriod = 15 * time.Second
	return cfg, nil
}
