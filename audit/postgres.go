package audit

import (
	"context"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgconn"
	"github.com/pkg/errors"

	"github.com/quantumauth-io/tpm-decrypt/database"
	"github.com/quantumauth-io/tpm-decrypt/retry"
)

//go:embed migrations/*.sql
var migrations embed.FS

const insertEvent = `INSERT INTO decrypt_audit
	(id, operation, handle, path, result, error_kind, duration_ms, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

// PostgresSink inserts events into the decrypt_audit table.
type PostgresSink struct {
	db execer
}

func NewPostgresSink(db execer) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates or upgrades the decrypt_audit schema.
func Migrate(ctx context.Context, s database.Settings) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "audit: open migrations")
	}
	return database.MigrateWithIOFS(ctx, src, s)
}

func (s *PostgresSink) Record(ctx context.Context, e Event) error {
	cfg := retry.Bounded(2)
	cfg.InitialDelayBeforeRetrying = 50 * time.Millisecond

	_, err := retry.Retry(ctx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			_, err := s.db.Exec(ctx, insertEvent,
				e.ID, e.Operation, e.Handle, e.Path, e.Result, e.ErrorKind,
				e.Duration.Milliseconds(), e.Time.UTC())
			return nil, err
		},
		database.IsRetryable,
		"Audit Insert",
	)
	if err != nil {
		return errors.Wrap(err, "audit: insert event")
	}
	return nil
}
