// Package store provides the durable SQLite-backed record store for
// download jobs and the process-wide audio settings row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"media-downloader/internal/domain"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("download not found")

// ErrDuplicateID is returned when creating a record whose id already exists.
var ErrDuplicateID = errors.New("download id already exists")

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	title TEXT,
	artist TEXT,
	album TEXT,
	platform TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	progress REAL NOT NULL DEFAULT 0,
	file_path TEXT,
	file_size INTEGER,
	created_at DATETIME NOT NULL,
	completed_at DATETIME,
	error TEXT
);

CREATE TABLE IF NOT EXISTS audio_settings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	volume_boost REAL NOT NULL DEFAULT 2.0,
	normalize_loudness BOOLEAN NOT NULL DEFAULT 1,
	target_lufs REAL NOT NULL DEFAULT -16.0,
	updated_at DATETIME NOT NULL
);
`

// Store is the single source of truth for download records. A single
// connection serializes all reads and writes, which is sufficient at
// desktop scale and keeps list reads point-in-time consistent.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open creates or opens the SQLite database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// init applies the schema and seeds the default audio settings row.
func (s *Store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM audio_settings`); err != nil {
		return fmt.Errorf("count audio settings: %w", err)
	}
	if count == 0 {
		defaults := domain.DefaultAudioSettings()
		_, err := s.db.Exec(
			`INSERT INTO audio_settings (volume_boost, normalize_loudness, target_lufs, updated_at) VALUES (?, ?, ?, ?)`,
			defaults.VolumeBoost, defaults.NormalizeLoudness, defaults.TargetLUFS, s.now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("seed audio settings: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new pending record for the given id.
func (s *Store) Create(ctx context.Context, id, url string, p domain.Platform) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (id, url, platform, status, progress, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		id, url, p, domain.StatusPending, s.now().UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		return fmt.Errorf("insert download: %w", err)
	}
	return nil
}

// UpdateOptions carries the optional fields of a partial status update.
// Nil pointers leave the stored value untouched; ClearError resets the
// error column to NULL.
type UpdateOptions struct {
	Progress   *float64
	FilePath   *string
	FileSize   *int64
	Title      *string
	Artist     *string
	Error      *string
	ClearError bool
}

// Update applies a partial update to the record. A transition into
// completed stamps completed_at only if it was never set, so the first
// completion timestamp survives redownloads.
func (s *Store) Update(ctx context.Context, id string, status domain.DownloadStatus, opts UpdateOptions) error {
	setParts := []string{"status = ?"}
	args := []any{status}

	if opts.Progress != nil {
		setParts = append(setParts, "progress = ?")
		args = append(args, *opts.Progress)
	}
	if opts.FilePath != nil {
		setParts = append(setParts, "file_path = ?")
		args = append(args, *opts.FilePath)
	}
	if opts.FileSize != nil {
		setParts = append(setParts, "file_size = ?")
		args = append(args, *opts.FileSize)
	}
	if opts.Title != nil {
		setParts = append(setParts, "title = ?")
		args = append(args, *opts.Title)
	}
	if opts.Artist != nil {
		setParts = append(setParts, "artist = ?")
		args = append(args, *opts.Artist)
	}
	switch {
	case opts.ClearError:
		setParts = append(setParts, "error = NULL")
	case opts.Error != nil:
		setParts = append(setParts, "error = ?")
		args = append(args, *opts.Error)
	}
	if status == domain.StatusCompleted {
		setParts = append(setParts, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, s.now().UTC())
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE downloads SET %s WHERE id = ?", strings.Join(setParts, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update download: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update download: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns the record for id.
func (s *Store) Get(ctx context.Context, id string) (domain.Download, error) {
	var d domain.Download
	err := s.db.GetContext(ctx, &d, `SELECT * FROM downloads WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Download{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.Download{}, fmt.Errorf("get download: %w", err)
	}
	return d, nil
}

// List returns all records, newest first. Records created at the same
// instant order by insertion, newest first.
func (s *Store) List(ctx context.Context) ([]domain.Download, error) {
	var downloads []domain.Download
	err := s.db.SelectContext(ctx, &downloads,
		`SELECT * FROM downloads ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	return downloads, nil
}

// Delete removes the record for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete download: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete download: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Clear removes every download record unconditionally.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM downloads`); err != nil {
		return fmt.Errorf("clear downloads: %w", err)
	}
	return nil
}

// VerifyFileExists checks the record's backing file on disk. A present
// file restamps completed with a fresh size; a missing file flips the
// record to file_missing. Records without a file path, or no longer in
// a finished state (a redownload may have reset them between listing
// and verification), are left alone and report false.
func (s *Store) VerifyFileExists(ctx context.Context, id string) (bool, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if d.Status != domain.StatusCompleted && d.Status != domain.StatusFileMissing {
		return false, nil
	}
	if d.FilePath == nil || *d.FilePath == "" {
		return false, nil
	}

	info, statErr := os.Stat(*d.FilePath)
	if statErr != nil {
		msg := "File not found"
		if err := s.Update(ctx, id, domain.StatusFileMissing, UpdateOptions{Error: &msg}); err != nil {
			return false, err
		}
		return false, nil
	}

	progress := 100.0
	size := info.Size()
	err = s.Update(ctx, id, domain.StatusCompleted, UpdateOptions{
		Progress:   &progress,
		FilePath:   d.FilePath,
		FileSize:   &size,
		ClearError: true,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// AudioSettings returns the current audio settings row, or defaults when
// the table is somehow empty.
func (s *Store) AudioSettings(ctx context.Context) (domain.AudioSettings, error) {
	var settings domain.AudioSettings
	err := s.db.GetContext(ctx, &settings,
		`SELECT volume_boost, normalize_loudness, target_lufs FROM audio_settings ORDER BY id DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DefaultAudioSettings(), nil
		}
		return domain.AudioSettings{}, fmt.Errorf("get audio settings: %w", err)
	}
	return settings, nil
}

// SaveAudioSettings persists new audio settings over the current row.
func (s *Store) SaveAudioSettings(ctx context.Context, settings domain.AudioSettings) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE audio_settings SET volume_boost = ?, normalize_loudness = ?, target_lufs = ?, updated_at = ?
		 WHERE id = (SELECT MAX(id) FROM audio_settings)`,
		settings.VolumeBoost, settings.NormalizeLoudness, settings.TargetLUFS, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save audio settings: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save audio settings: %w", err)
	}
	if affected == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audio_settings (volume_boost, normalize_loudness, target_lufs, updated_at) VALUES (?, ?, ?, ?)`,
			settings.VolumeBoost, settings.NormalizeLoudness, settings.TargetLUFS, s.now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("save audio settings: %w", err)
		}
	}
	return nil
}
