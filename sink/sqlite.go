package sink

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite stores class files in a single table keyed by type name. A
// rewritten type replaces the previous row.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates a class store at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: opening database: %w", err)
	}

	// Set busy timeout for concurrent writers
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS classes (
		name TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL,
		size INTEGER NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: creating table: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Write inserts or replaces the row for typeName.
func (s *SQLite) Write(typeName string, data []byte) error {
	if err := checkName(typeName); err != nil {
		return err
	}
	digest := Digest(data)
	_, err := s.db.Exec(`INSERT INTO classes (name, sha256, size, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET sha256 = excluded.sha256, size = excluded.size, data = excluded.data`,
		typeName, digest, len(data), data)
	if err != nil {
		return fmt.Errorf("sink: storing %s: %w", typeName, err)
	}
	log.Debugf("sqlite: stored %s (%d bytes, sha256 %s)", typeName, len(data), digest[:12])
	return nil
}

// Read returns the class file for typeName.
func (s *SQLite) Read(typeName string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM classes WHERE name = ?", typeName).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sink: %s: %w", typeName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sink: reading %s: %w", typeName, err)
	}
	return data, nil
}

// Digest returns the stored sha256 of typeName.
func (s *SQLite) Digest(typeName string) (string, error) {
	var digest string
	err := s.db.QueryRow("SELECT sha256 FROM classes WHERE name = ?", typeName).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sink: %s: %w", typeName, ErrNotFound)
	}
	return digest, err
}

// Names lists stored type names in order.
func (s *SQLite) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM classes ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("sink: listing classes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
