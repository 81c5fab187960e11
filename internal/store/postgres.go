package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/pkg/models"
)

// PostgresStore implements Store on PostgreSQL. Each aggregate is one JSONB
// row keyed by (user, name) or (user, kind).
type PostgresStore struct {
	pool *pgxpool.Pool
	// maxElapsed bounds the retries of one write.
	maxElapsed time.Duration
}

// NewPostgresStore connects to connURL and creates the tables if they do
// not exist. maxConns of zero keeps the pool default.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	if err := retry(ctx, 30*time.Second, "postgres connect", connect); err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	s := &PostgresStore{pool: pool, maxElapsed: 10 * time.Second}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Str("host", cfg.ConnConfig.Host).Str("database", cfg.ConnConfig.Database).Msg("Postgres store configured")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS as_definitions (
			usr        TEXT NOT NULL,
			name       TEXT NOT NULL,
			body       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (usr, name)
		);

		CREATE TABLE IF NOT EXISTS as_instances (
			usr        TEXT NOT NULL,
			name       TEXT NOT NULL,
			body       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (usr, name)
		);

		CREATE TABLE IF NOT EXISTS as_access_tables (
			usr        TEXT NOT NULL,
			kind       TEXT NOT NULL,
			body       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (usr, kind)
		);
	`)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	log.Info().Msg("Postgres store closed")
	return nil
}

// exec runs a write with retries on connection-level failures.
func (s *PostgresStore) exec(ctx context.Context, op, sql string, args ...any) error {
	return retry(ctx, s.maxElapsed, op, func() error {
		_, err := s.pool.Exec(ctx, sql, args...)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// transient reports errors worth retrying: anything that is not a server
// side rejection of the statement.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (s *PostgresStore) upsert(ctx context.Context, table, keyCol, user, k string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s:%s: %w", user, k, err)
	}
	sql := fmt.Sprintf(`INSERT INTO %s (usr, %s, body, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (usr, %s) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		table, keyCol, keyCol)
	return s.exec(ctx, "upsert "+table, sql, user, k, body)
}

func (s *PostgresStore) remove(ctx context.Context, table, keyCol, user, k string) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE usr = $1 AND %s = $2`, table, keyCol)
	return s.exec(ctx, "delete "+table, sql, user, k)
}

func listRows[T any](ctx context.Context, pool *pgxpool.Pool, table, keyCol string) ([]T, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT body FROM %s ORDER BY usr, %s`, table, keyCol))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	out := []T{}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	for _, b := range bodies {
		var item T
		if err := json.Unmarshal(b, &item); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// ── Definition Store ────────────────────────────────────────

func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]models.AgentDefinition, error) {
	return listRows[models.AgentDefinition](ctx, s.pool, "as_definitions", "name")
}

func (s *PostgresStore) PutDefinition(ctx context.Context, def *models.AgentDefinition) error {
	return s.upsert(ctx, "as_definitions", "name", def.User, def.Name, def)
}

func (s *PostgresStore) DeleteDefinition(ctx context.Context, user, name string) error {
	return s.remove(ctx, "as_definitions", "name", user, name)
}

// ── Instance Store ──────────────────────────────────────────

func (s *PostgresStore) ListInstances(ctx context.Context) ([]models.InstanceRecord, error) {
	return listRows[models.InstanceRecord](ctx, s.pool, "as_instances", "name")
}

func (s *PostgresStore) PutInstance(ctx context.Context, rec *models.InstanceRecord) error {
	return s.upsert(ctx, "as_instances", "name", rec.User, rec.Name, rec)
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, user, name string) error {
	return s.remove(ctx, "as_instances", "name", user, name)
}

// ── Access Store ────────────────────────────────────────────

func (s *PostgresStore) ListAccessTables(ctx context.Context) ([]models.AccessTable, error) {
	return listRows[models.AccessTable](ctx, s.pool, "as_access_tables", "kind")
}

func (s *PostgresStore) PutAccessTable(ctx context.Context, t *models.AccessTable) error {
	return s.upsert(ctx, "as_access_tables", "kind", t.User, string(t.Kind), t)
}

func (s *PostgresStore) DeleteAccessTable(ctx context.Context, user string, kind models.AccessKind) error {
	return s.remove(ctx, "as_access_tables", "kind", user, string(kind))
}

var _ Store = (*PostgresStore)(nil)
