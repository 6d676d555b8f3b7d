package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

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

type recordRow struct {
	bun.BaseModel `bun:"table:relay_records,alias:rr"`

	Key       string    `bun:"record_key,pk"`
	Value     []byte    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// SQLStore keeps records in a single relay_records table.
type SQLStore struct {
	db *bun.DB
}

// OpenSQLStore opens driver/dsn, wraps it with the matching bun dialect and
// creates the records table if it does not exist.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	driver = strings.TrimSpace(driver)
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage: dsn is required for driver %q", driver)
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, ioError(err, "open", driver)
	}

	var db *bun.DB
	switch driver {
	case DriverSQLite:
		// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	case DriverPostgres:
		db = bun.NewDB(sqlDB, pgdialect.New())
	default:
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: unsupported sql driver %q", driver)
	}

	store, err := NewSQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore uses an existing bun handle.
func NewSQLStore(ctx context.Context, db *bun.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: bun db is required")
	}
	if _, err := db.NewCreateTable().
		Model((*recordRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return nil, ioError(err, "migrate", "relay_records")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	if _, _, err := SplitKey(key); err != nil {
		return err
	}
	row := &recordRow{
		Key:       key,
		Value:     append([]byte(nil), value...),
		UpdatedAt: time.Now().UTC(),
	}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*recordRow)(nil)).
			Where("record_key = ?", key).
			Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			_, err = tx.NewInsert().Model(row).Exec(ctx)
			return err
		}
		_, err = tx.NewUpdate().
			Model(row).
			Column("value", "updated_at").
			Where("record_key = ?", key).
			Exec(ctx)
		return err
	})
	if err != nil {
		return ioError(err, "put", key)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	row := new(recordRow)
	err := s.db.NewSelect().
		Model(row).
		Where("record_key = ?", key).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, ioError(err, "get", key)
	}
	return row.Value, nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.NewSelect().
		Model((*recordRow)(nil)).
		Column("record_key").
		Where("substr(record_key, 1, ?) = ?", len(prefix), prefix).
		Order("record_key ASC").
		Scan(ctx, &keys)
	if err != nil {
		return nil, ioError(err, "list", prefix)
	}
	return keys, nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.NewDelete().
		Model((*recordRow)(nil)).
		Where("record_key = ?", key).
		Exec(ctx); err != nil {
		return ioError(err, "delete", key)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
