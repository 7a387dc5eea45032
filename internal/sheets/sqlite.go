package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

const sqliteDefaultBookKey = "default"

type WorkbookModel struct {
	BookKey   string `gorm:"primaryKey"`
	Snapshot  string `gorm:"not null"`
	UpdatedAt time.Time
}

func (WorkbookModel) TableName() string { return "taxomap_workbooks" }

type sqliteBackend struct {
	db      *gorm.DB
	bookKey string
	// SQLite allows one writer; serialising in process avoids SQLITE_BUSY.
	mu sync.Mutex
}

type SQLiteClient struct {
	gridClient
}

func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := strings.TrimSpace(path)
	if !strings.Contains(dsn, "_pragma=busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}
	return gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
}

func NewSQLiteClient(path string) (*SQLiteClient, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&WorkbookModel{}); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return &SQLiteClient{gridClient{backend: &sqliteBackend{db: db, bookKey: sqliteDefaultBookKey}}}, nil
}

func (b *sqliteBackend) view(ctx context.Context, fn func(*workbook) error) error {
	var m WorkbookModel
	err := b.db.WithContext(ctx).Where("book_key = ?", b.bookKey).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fn(newWorkbook())
	}
	if err != nil {
		return err
	}
	book, err := decodeWorkbook(m.Snapshot)
	if err != nil {
		return err
	}
	return fn(book)
}

func (b *sqliteBackend) mutate(ctx context.Context, fn func(*workbook) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m := WorkbookModel{BookKey: b.bookKey}
		err := tx.Where("book_key = ?", b.bookKey).First(&m).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		book, err := decodeWorkbook(m.Snapshot)
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
		m.BookKey = b.bookKey
		m.Snapshot = string(payload)
		return tx.Save(&m).Error
	})
}

func (b *sqliteBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
