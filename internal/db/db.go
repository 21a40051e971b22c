package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const fileName = "steeltrack.db"

func dataDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".steeltrack")
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(dataDir(workspace), fileName)
}

// Open creates the workspace data directory when missing and opens its
// SQLite database with foreign keys enforced. WAL with a busy timeout keeps
// the HTTP server and the CLI from tripping over each other's writes.
func Open(workspace string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir(workspace), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", Path(workspace))
	return sql.Open("sqlite", dsn)
}
