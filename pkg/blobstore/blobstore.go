// Package blobstore persists received images to disk and keeps a
// SQLite index of their metadata.
package blobstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrBlobTooLarge indicates the image exceeds the configured limit.
var ErrBlobTooLarge = errors.New("image exceeds maximum size")

// StoredImage describes one persisted image.
type StoredImage struct {
	ID         int64
	Filename   string
	StoredPath string
	Size       int64
	Sender     string
	ReceivedAt time.Time
}

// Store writes image blobs under a directory and records metadata rows
// in SQLite. Safe for concurrent use; database/sql serializes access
// and file names never collide.
type Store struct {
	dir      string
	db       *sql.DB
	maxBytes int64
}

// Open prepares the upload directory and the metadata index.
// maxBytes <= 0 disables the size limit.
func Open(dir, indexPath string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	// WAL allows readers concurrent with the single writer
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS images (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		filename    TEXT NOT NULL,
		stored_path TEXT NOT NULL,
		size        INTEGER NOT NULL,
		sender      TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_images_received_at ON images(received_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{dir: dir, db: db, maxBytes: maxBytes}, nil
}

// Store persists one image and returns the stored path. The on-disk
// name is prefixed with a timestamp and a short unique ID so concurrent
// uploads of the same filename never clobber each other.
func (s *Store) Store(sender, filename string, data []byte) (string, error) {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrBlobTooLarge, len(data), s.maxBytes)
	}

	receivedAt := time.Now()
	safeName := fmt.Sprintf("%s_%s_%s",
		receivedAt.Format("20060102_150405"),
		uuid.NewString()[:8],
		sanitizeFilename(filename))
	storedPath := filepath.Join(s.dir, safeName)

	if err := os.WriteFile(storedPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT INTO images (filename, stored_path, size, sender, received_at) VALUES (?, ?, ?, ?, ?)`,
		filename, storedPath, int64(len(data)), sender, receivedAt.UnixMilli(),
	)
	if err != nil {
		// The blob is safely on disk; a missing index row is not worth
		// failing the upload over, or alarming the sender about.
		log.Printf("WARN: failed to index image %s: %v", storedPath, err)
	}

	return storedPath, nil
}

// List returns the most recently received images, newest first.
func (s *Store) List(limit int) ([]StoredImage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, filename, stored_path, size, sender, received_at
		 FROM images ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var images []StoredImage
	for rows.Next() {
		var img StoredImage
		var receivedAt int64
		if err := rows.Scan(&img.ID, &img.Filename, &img.StoredPath, &img.Size, &img.Sender, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan image row: %w", err)
		}
		img.ReceivedAt = time.UnixMilli(receivedAt)
		images = append(images, img)
	}
	return images, rows.Err()
}

// Close closes the metadata index.
func (s *Store) Close() error {
	return s.db.Close()
}

// sanitizeFilename strips any path components a peer might smuggle into
// the announced filename.
func sanitizeFilename(filename string) string {
	base := filepath.Base(filepath.Clean(filename))
	base = strings.ReplaceAll(base, string(os.PathSeparator), "_")
	if base == "" || base == "." || base == ".." {
		return "unnamed"
	}
	return base
}
