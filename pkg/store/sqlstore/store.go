package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-xcookie/pkg/store"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type cookieRecord struct {
	bun.BaseModel `bun:"table:xcookie_records,alias:xr"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	Domain    string    `bun:"domain,notnull"`
	Path      string    `bun:"path,notnull"`
	Value     string    `bun:"value,notnull"`
	ExpiresAt time.Time `bun:"expires_at,nullzero"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (r *cookieRecord) toDomain() store.Record {
	return store.Record{
		Key: store.Key{
			Name:   r.Name,
			Domain: r.Domain,
			Path:   r.Path,
		},
		Value:     r.Value,
		Expires:   r.ExpiresAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Store persists cookie records through bun. It satisfies store.Store.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(db *bun.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Open opens a bun database for driver (sqlite3 or postgres) and dsn.
func Open(driver, dsn string) (*bun.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case DriverSQLite, "sqlite":
		sqlDB, err := sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		return bun.NewDB(sqlDB, sqlitedialect.New()), nil
	case DriverPostgres, "pg", "postgresql":
		sqlDB, err := sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
		}
		return bun.NewDB(sqlDB, pgdialect.New()), nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
}

// Migrate creates the records table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: store is not configured")
	}
	_, err := s.db.NewCreateTable().
		Model((*cookieRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: create table: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key store.Key) (store.Record, bool, error) {
	if s == nil || s.db == nil {
		return store.Record{}, false, store.ErrUnavailable
	}
	id, err := key.Identifier()
	if err != nil {
		return store.Record{}, false, err
	}

	record := &cookieRecord{}
	err = s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, false, nil
		}
		return store.Record{}, false, fmt.Errorf("sqlstore: load %q: %w", id, err)
	}
	out := record.toDomain()
	if out.Expired(s.now()) {
		return store.Record{}, false, nil
	}
	return out, true, nil
}

// Save upserts record on its identifier so replays converge.
func (s *Store) Save(ctx context.Context, record store.Record) error {
	if s == nil || s.db == nil {
		return store.ErrUnavailable
	}
	key := record.Key.Normalize()
	id, err := key.Identifier()
	if err != nil {
		return err
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	row := &cookieRecord{
		ID:        id,
		Name:      key.Name,
		Domain:    key.Domain,
		Path:      key.Path,
		Value:     record.Value,
		ExpiresAt: record.Expires.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	if record.Expires.IsZero() {
		row.ExpiresAt = time.Time{}
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: save %q: %w", id, err)
	}
	return nil
}

// Purge deletes records that expired before now and returns how many rows
// were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, store.ErrUnavailable
	}
	res, err := s.db.NewDelete().
		Model((*cookieRecord)(nil)).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", s.now().UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge: %w", err)
	}
	return res.RowsAffected()
}
