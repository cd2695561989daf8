package store

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
)

func TestExtractUpMigration(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a(id INT);\n-- +migrate Down\nDROP TABLE a;"
	up := ExtractUpMigration(content)
	if !strings.Contains(up, "CREATE TABLE a") || strings.Contains(up, "DROP TABLE") {
		t.Fatalf("unexpected up section %q", up)
	}
	if got := ExtractUpMigration("SELECT 1;"); got != "SELECT 1;" {
		t.Fatalf("expected whole file without markers, got %q", got)
	}
}

func TestMigrationFilesSorted(t *testing.T) {
	migrations := fstest.MapFS{
		"migrations/002_more.sql":   &fstest.MapFile{Data: []byte("SELECT 2;")},
		"migrations/001_create.sql": &fstest.MapFile{Data: []byte("SELECT 1;")},
		"migrations/README.md":      &fstest.MapFile{Data: []byte("notes")},
	}
	files, err := migrationFiles(migrations, "migrations")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(files) != 2 || files[0] != "001_create.sql" || files[1] != "002_more.sql" {
		t.Fatalf("unexpected files %v", files)
	}
	if _, err := migrationFiles(migrations, "missing"); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestMigrateRequiresDB(t *testing.T) {
	if err := Migrate(context.Background(), nil, fstest.MapFS{}, ""); err == nil {
		t.Fatal("expected error for nil db")
	}
}
