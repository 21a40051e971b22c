package migrate

import (
	"testing"

	"steeltrack/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 1 {
		t.Fatalf("version = %d", v)
	}

	// A second run finds nothing pending and leaves the version alone.
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	again, err := Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if again != v {
		t.Fatalf("version moved %d -> %d", v, again)
	}
}
