package migrate

import (
	"testing"

	"offerline/internal/db"
)

func TestMigrateFreshDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := Version(conn)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v < 1 {
		t.Fatalf("version after migrate = %d", v)
	}

	for _, table := range []string{"requests", "offers", "assignments", "ledger_entries", "events", "actors", "api_keys"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	before, err := Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	after, err := Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatalf("version moved on no-op migrate: %d -> %d", before, after)
	}
}

func TestParseVersion(t *testing.T) {
	cases := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"0001_init.sql", 1, false},
		{"0012_add_ratings.sql", 12, false},
		{"init.sql", 0, true},
		{"x_init.sql", 0, true},
		{"0000_zero.sql", 0, true},
	}
	for _, tc := range cases {
		v, err := parseVersion(tc.name)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseVersion(%s): expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseVersion(%s): %v", tc.name, err)
			continue
		}
		if v != tc.want {
			t.Errorf("parseVersion(%s) = %d, want %d", tc.name, v, tc.want)
		}
	}
}
