// Package sqlitestore is a SQLite-backed reference implementation of the
// logger package's Storage and NVStore collaborators, standing in for the
// SD-card and non-volatile KV hardware spec.md §6 describes as opaque
// collaborators. It is a development/test backing store, not firmware.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements logger.Storage and logger.NVStore over a single SQLite
// database file.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS log_lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			directory TEXT NOT NULL,
			prefix TEXT NOT NULL,
			file_index INTEGER NOT NULL,
			line TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS log_file_sizes (
			directory TEXT NOT NULL,
			prefix TEXT NOT NULL,
			file_index INTEGER NOT NULL,
			size INTEGER NOT NULL,
			PRIMARY KEY (directory, prefix, file_index)
		)`,
		`CREATE TABLE IF NOT EXISTS kv_blobs (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE TABLE IF NOT EXISTS exports (
			path TEXT PRIMARY KEY,
			format TEXT NOT NULL,
			content TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("sqlitestore: create table: %w", err)
		}
	}
	return nil
}

// WriteWithRotation appends line to the current file for (dir, prefix),
// opening a new file index once the running size would exceed maxSize
// (spec.md §6's "write_with_rotation" contract).
func (s *Store) WriteWithRotation(dir, prefix, line string, maxSize int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	var index, size int64
	err = tx.QueryRow(
		`SELECT file_index, size FROM log_file_sizes WHERE directory = ? AND prefix = ?
		 ORDER BY file_index DESC LIMIT 1`, dir, prefix,
	).Scan(&index, &size)
	if err == sql.ErrNoRows {
		index, size = 0, 0
	} else if err != nil {
		return fmt.Errorf("sqlitestore: query file size: %w", err)
	}

	lineSize := int64(len(line)) + 1
	if size+lineSize > maxSize && size > 0 {
		index++
		size = 0
	}

	if _, err := tx.Exec(
		`INSERT INTO log_lines (directory, prefix, file_index, line) VALUES (?, ?, ?, ?)`,
		dir, prefix, index, line,
	); err != nil {
		return fmt.Errorf("sqlitestore: insert line: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO log_file_sizes (directory, prefix, file_index, size) VALUES (?, ?, ?, ?)
		 ON CONFLICT(directory, prefix, file_index) DO UPDATE SET size = excluded.size`,
		dir, prefix, index, size+lineSize,
	); err != nil {
		return fmt.Errorf("sqlitestore: update file size: %w", err)
	}

	return tx.Commit()
}

// WriteCSV stores rows under path, replacing any prior content.
func (s *Store) WriteCSV(path string, rows [][]string) error {
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(strings.Join(row, ","))
		b.WriteByte('\n')
	}
	return s.writeExport(path, "csv", b.String())
}

// WriteJSON marshals v to JSON and stores the result under path, replacing
// any prior content.
func (s *Store) WriteJSON(path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal json export: %w", err)
	}
	return s.writeExport(path, "json", string(b))
}

func (s *Store) writeExport(path, format, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO exports (path, format, content) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET format = excluded.format, content = excluded.content`,
		path, format, content,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: write export: %w", err)
	}
	return nil
}

// SetBlob implements logger.NVStore.
func (s *Store) SetBlob(namespace, key string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv_blobs (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, data,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: set blob: %w", err)
	}
	return nil
}

// GetBlob implements logger.NVStore.
func (s *Store) GetBlob(namespace, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT value FROM kv_blobs WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlitestore: blob not found: %s/%s", namespace, key)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get blob: %w", err)
	}
	return data, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
