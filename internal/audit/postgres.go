package audit

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/celerix-dev/celerix-rewards/pkg/schema"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresJournal stores entries in the audit_log table.
type PostgresJournal struct {
	db *sqlx.DB
}

type row struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	Actor     string    `db:"actor"`
	Action    string    `db:"action"`
	AppID     string    `db:"app_id"`
	PersonaID string    `db:"persona_id"`
	Details   string    `db:"details"`
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresJournal{db: db}, nil
}

func migrateUp(db *sqlx.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migratepgx.WithInstance(db.DB, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Record(ctx context.Context, entry schema.AuditLog) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO audit_log (id, created_at, actor, action, app_id, persona_id, details)
		VALUES (:id, :created_at, :actor, :action, :app_id, :persona_id, :details)`,
		row{
			ID:        uuid.NewString(),
			CreatedAt: entry.Timestamp,
			Actor:     entry.Actor,
			Action:    entry.Action,
			AppID:     entry.AppID,
			PersonaID: entry.PersonaID,
			Details:   entry.Details,
		})
	return err
}

func (j *PostgresJournal) Recent(ctx context.Context, limit int) ([]schema.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []row
	err := j.db.SelectContext(ctx, &rows, `
		SELECT id, created_at, actor, action, app_id, persona_id, details
		FROM audit_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]schema.AuditLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, schema.AuditLog{
			Timestamp: r.CreatedAt,
			Actor:     r.Actor,
			Action:    r.Action,
			AppID:     r.AppID,
			PersonaID: r.PersonaID,
			Details:   r.Details,
		})
	}
	return out, nil
}

func (j *PostgresJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *PostgresJournal) Close() error {
	return j.db.Close()
}
