// Package journal records upload batches and item outcomes in PostgreSQL.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/dropzone/internal/ingest"
	"github.com/fruitsalade/dropzone/internal/logging"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

const (
	StatusUploaded = "uploaded"
	StatusFailed   = "failed"
)

// Store is a PostgreSQL-backed upload journal.
type Store struct {
	db *sql.DB
}

// New opens and pings the database.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded migrations in name order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// RecordBatch stores the batch summary. Recording the same batch twice is a no-op.
func (s *Store) RecordBatch(ctx context.Context, b *ingest.Batch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_batches (id, file_count, total_bytes, empty_directories, dropped, page_failures)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		b.ID, len(b.Files), b.TotalSize(), pq.Array(b.EmptyDirectories), b.Stats.Dropped, b.Stats.PageFailures)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

// RecordItem stores the outcome of one upload.
func (s *Store) RecordItem(ctx context.Context, batchID, key, kind string, size int64, uploadErr error) error {
	status, msg := itemStatus(uploadErr)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_items (batch_id, key, kind, size, status, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		batchID, key, kind, size, status, msg)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return fmt.Errorf("item %s references unknown batch %s", key, batchID)
		}
		return fmt.Errorf("insert item %s: %w", key, err)
	}
	return nil
}

// BatchSummary is the journaled state of a batch.
type BatchSummary struct {
	ID               string
	Files            int
	TotalBytes       int64
	EmptyDirectories []string
	Uploaded         int
	Failed           int
	CreatedAt        time.Time
}

// GetBatch returns the summary of batchID, or sql.ErrNoRows.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*BatchSummary, error) {
	var bs BatchSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT b.id, b.file_count, b.total_bytes, b.empty_directories, b.created_at,
		        COUNT(i.id) FILTER (WHERE i.status = $2),
		        COUNT(i.id) FILTER (WHERE i.status = $3)
		 FROM upload_batches b
		 LEFT JOIN upload_items i ON i.batch_id = b.id
		 WHERE b.id = $1
		 GROUP BY b.id`,
		batchID, StatusUploaded, StatusFailed,
	).Scan(&bs.ID, &bs.Files, &bs.TotalBytes, pq.Array(&bs.EmptyDirectories), &bs.CreatedAt, &bs.Uploaded, &bs.Failed)
	if err != nil {
		return nil, err
	}
	return &bs, nil
}

func itemStatus(err error) (string, string) {
	if err != nil {
		return StatusFailed, err.Error()
	}
	return StatusUploaded, ""
}
