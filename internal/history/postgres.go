package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
)

const schema = `
create table if not exists leaf_detections (
	id          uuid primary key,
	user_id     text,
	image_path  text not null,
	crop_type   text not null,
	prediction  text not null,
	confidence  double precision not null,
	created_at  timestamptz not null default now()
);
create index if not exists leaf_detections_user_idx on leaf_detections (user_id, created_at desc);
`

const selectColumns = `id, user_id, image_path, crop_type, prediction, confidence, created_at`

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore persists records in the leaf_detections table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, checks the connection and creates the schema if needed.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}

	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Migrate creates the table and index when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	const q = `
insert into leaf_detections (id, user_id, image_path, crop_type, prediction, confidence, created_at)
values ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, q, r.ID, nullString(r.UserID), r.ImagePath, r.CropType, r.Prediction, r.Confidence, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	q := `select ` + selectColumns + ` from leaf_detections where id = $1`
	r, err := scanRecord(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	q := `select ` + selectColumns + ` from leaf_detections where user_id = $1 order by created_at desc` + limitClause(limit)
	return s.query(ctx, q, userID)
}

func (s *PostgresStore) ListAnonymous(ctx context.Context, limit int) ([]Record, error) {
	q := `select ` + selectColumns + ` from leaf_detections where user_id is null order by created_at desc` + limitClause(limit)
	return s.query(ctx, q)
}

func (s *PostgresStore) DeleteByUser(ctx context.Context, userID string) ([]Record, error) {
	q := `delete from leaf_detections where user_id = $1 returning ` + selectColumns
	return s.query(ctx, q, userID)
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r    Record
		user sql.NullString
	)
	if err := sc.Scan(&r.ID, &user, &r.ImagePath, &r.CropType, &r.Prediction, &r.Confidence, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	if user.Valid {
		r.UserID = &user.String
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" limit %d", limit)
}
