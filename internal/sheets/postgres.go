package sheets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	postgresWorkbookTableName = "taxomap_workbooks"
	postgresDefaultBookKey    = "default"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlxOpenFunc func(driverName, dsn string) (*sqlx.DB, error)

type postgresBackend struct {
	dsn       string
	tableName string
	bookKey   string
	openDB    sqlxOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

type PostgresClient struct {
	gridClient
}

// NewPostgresClient keeps the whole workbook as one JSON snapshot row.
// A "book" query parameter selects the row so several workbooks can share
// a database; it is stripped before the DSN reaches the driver.
func NewPostgresClient(dsn string) (*PostgresClient, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	bookKey := postgresDefaultBookKey
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		q := u.Query()
		if v := strings.TrimSpace(q.Get("book")); v != "" {
			bookKey = v
		}
		q.Del("book")
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	return &PostgresClient{gridClient{backend: &postgresBackend{
		dsn:       dsn,
		tableName: postgresWorkbookTableName,
		bookKey:   bookKey,
		openDB:    sqlx.Open,
	}}}, nil
}

type workbookRow struct {
	Snapshot string `db:"snapshot"`
}

func (b *postgresBackend) view(ctx context.Context, fn func(*workbook) error) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE book_key = $1", postgresQuoteIdentifier(b.tableName))
	var row workbookRow
	err := b.db.GetContext(ctx, &row, query, b.bookKey)
	if errors.Is(err, sql.ErrNoRows) {
		return fn(newWorkbook())
	}
	if err != nil {
		return err
	}
	book, err := decodeWorkbook(row.Snapshot)
	if err != nil {
		return err
	}
	return fn(book)
}

func (b *postgresBackend) mutate(ctx context.Context, fn func(*workbook) error) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	table := postgresQuoteIdentifier(b.tableName)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (book_key, snapshot, updated_at)
		VALUES ($1, '{}', NOW())
		ON CONFLICT (book_key) DO NOTHING`, table), b.bookKey); err != nil {
		return err
	}
	var row workbookRow
	if err := tx.GetContext(ctx, &row, fmt.Sprintf("SELECT snapshot FROM %s WHERE book_key = $1 FOR UPDATE", table), b.bookKey); err != nil {
		return err
	}
	book, err := decodeWorkbook(row.Snapshot)
	if err != nil {
		return err
	}
	if err := fn(book); err != nil {
		return err
	}
	payload, err := json.Marshal(book)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET snapshot = $2, updated_at = NOW() WHERE book_key = $1", table), b.bookKey, string(payload)); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *postgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *postgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				book_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func decodeWorkbook(payload string) (*workbook, error) {
	book := newWorkbook()
	if strings.TrimSpace(payload) == "" {
		return book, nil
	}
	if err := json.Unmarshal([]byte(payload), book); err != nil {
		return nil, fmt.Errorf("decode workbook snapshot: %w", err)
	}
	if book.NextSheetID <= 0 {
		book.NextSheetID = 1
		for _, s := range book.Sheets {
			if s.ID >= book.NextSheetID {
				book.NextSheetID = s.ID + 1
			}
		}
	}
	return book, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
