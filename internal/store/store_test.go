package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.Driver() != DriverCGO {
		t.Errorf("Driver() = %q, want %q", s.Driver(), DriverCGO)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"rooms", "events", "state_fields", "state_frames", "event_points", "forward_extremities"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("user_version = %d, want %d", version, len(migrations))
	}
}

func TestOpen_Pragmas(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPureGo} {
		t.Run(driver, func(t *testing.T) {
			s := createTestStore(t, WithDriver(driver))

			checks := map[string]string{
				"journal_mode": "wal",
				"synchronous":  "1",
				"busy_timeout": "5000",
				"foreign_keys": "1",
			}
			for name, want := range checks {
				if err := s.verifyPragma(name, want); err != nil {
					t.Error(err)
				}
			}
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "test.db"), WithDriver("postgres"))
	if err == nil {
		t.Fatal("Open() with unknown driver should fail")
	}
}

func TestOpen_MigratesOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec("DROP INDEX idx_events_timeline"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("reset version: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	var name string
	err = s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_events_timeline'").Scan(&name)
	if err != nil {
		t.Errorf("timeline index not restored: %v", err)
	}
}

func TestOpen_InMemoryDatabasesAreSeparate(t *testing.T) {
	open := func() *Store {
		s, err := Open(":memory:")
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	a, b := open(), open()
	if err := a.CreateRoom(context.Background(), testRoom, "10"); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	if _, err := b.Room(context.Background(), testRoom); err == nil {
		t.Error("second in-memory store sees the first store's room")
	}
}
