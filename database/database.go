// Package database connects to the Postgres-compatible store (Postgres or
// CockroachDB) used for the audit trail and applies embedded migrations.
package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/quantumauth-io/tpm-decrypt/retry"
)

const (
	databaseDriverType = "postgresql"

	defaultMaxRetry = 6

	defaultMinDBPoolSize = 1
	defaultMaxDBPoolSize = 4

	defaultConnectionMaxLifetime = 2 * time.Minute
	defaultConnectionMaxIdleTime = 30 * time.Second

	uniqueConstraintViolationCode = "23505"
)

type Settings struct {
	Host                  string
	Port                  string
	User                  string
	Password              string
	Database              string
	SSLModeDisable        bool
	CertPath              string
	ConnectionMaxLifetime time.Duration
	ConnectionMaxIdleTime time.Duration
	MaxPoolSize           uint
	MinPoolSize           uint
}

func retryConfig() *retry.Config {
	cfg := retry.Bounded(defaultMaxRetry)
	cfg.MaxDelayBeforeRetrying = 1 * time.Second
	return cfg
}

// MigrateWithIOFS applies every pending up migration from src.
func MigrateWithIOFS(ctx context.Context, src source.Driver, cfg Settings) error {
	connectionString, err := ConnectionString(cfg)
	if err != nil {
		return errors.Wrap(err, "Failed to create connection string")
	}

	_, err = retry.Retry(ctx, retryConfig(),
		func(context.Context) ([]interface{}, error) {
			m, err2 := migrate.NewWithSourceInstance("iofs", src, "postgres://"+connectionString)
			if err2 != nil {
				return nil, errors.Wrap(err2, "Failed to initialize migrations")
			}
			defer m.Close()
			if err3 := m.Up(); err3 != nil && !errors.Is(err3, migrate.ErrNoChange) {
				return nil, errors.Wrap(err3, "error migrating database schema")
			}
			return nil, nil
		},
		IsRetryable,
		"Database Migration",
	)

	return err
}

// ConnectionString renders user:password@host:port/db?sslmode=..., without
// a scheme. Credentials are escaped.
func ConnectionString(s Settings) (string, error) {
	if s.Host == "" || s.Database == "" {
		return "", errors.New("database host and name are required")
	}
	port := s.Port
	if port == "" {
		port = "5432"
	}
	connString := fmt.Sprintf("%s@%s/%s",
		url.UserPassword(s.User, s.Password).String(),
		net.JoinHostPort(s.Host, port),
		url.PathEscape(s.Database),
	)

	if s.SSLModeDisable {
		return connString + "?sslmode=disable", nil
	}

	// Without a CA bundle, require encryption but skip verification.
	if s.CertPath == "" {
		return connString + "?sslmode=require", nil
	}

	if _, err := os.Stat(s.CertPath); errors.Is(err, os.ErrNotExist) {
		return "", errors.New("ssl mode was enabled but cert file not found")
	} else if err != nil {
		return "", err
	}

	return connString + fmt.Sprintf("?sslmode=verify-ca&sslrootcert=%s", url.QueryEscape(s.CertPath)), nil
}

// IsRetryable reports whether a database error is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code != uniqueConstraintViolationCode
	}

	// e.g. "use of closed network connection": the pool dials a fresh one
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}

	return true
}
