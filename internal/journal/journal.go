// Package journal persists one row per finished transfer to a local sqlite
// database for auditing and reporting.
//
// The journal is strictly write-only for the fetch path: skip decisions are
// made against the archive directory alone, so removing or corrupting the
// journal never changes what gets fetched.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/logfetcher/internal/fetcher"
)

// Transfer is one journal row.
type Transfer struct {
	ID          uint   `gorm:"primarykey"`
	TaskID      string `gorm:"index"`
	Host        string `gorm:"index"`
	RemotePath  string
	Destination string
	Bytes       int64
	DurationMS  int64
	OK          bool
	Error       string
	CreatedAt   time.Time
}

// Journal wraps the sqlite database. It implements fetcher.TransferSink.
type Journal struct {
	db *gorm.DB
}

// Open creates or opens the journal database at path, creating parent
// directories and migrating the schema.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("journal sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("journal WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Transfer{}); err != nil {
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// RecordTransfer appends one row. Errors are swallowed after logging at the
// gorm layer: journaling must never fail a transfer.
func (j *Journal) RecordTransfer(rec fetcher.TransferRecord) {
	j.db.Create(&Transfer{
		TaskID:      rec.TaskID,
		Host:        rec.Host,
		RemotePath:  rec.RemotePath,
		Destination: rec.Destination,
		Bytes:       rec.Bytes,
		DurationMS:  rec.Duration.Milliseconds(),
		OK:          rec.OK,
		Error:       rec.Error,
	})
}

// RecentTransfers returns the newest n rows for host; all hosts when host
// is empty.
func (j *Journal) RecentTransfers(host string, n int) ([]Transfer, error) {
	q := j.db.Order("id DESC").Limit(n)
	if host != "" {
		q = q.Where("host = ?", host)
	}
	var rows []Transfer
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
