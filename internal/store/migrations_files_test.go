package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]string{}

	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]string{}
		}
		if existing, ok := byVersion[version][direction]; ok {
			t.Fatalf("version %s has two %s files: %s and %s", version, direction, existing, entry.Name())
		}
		byVersion[version][direction] = entry.Name()
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if dirs["up"] == "" || dirs["down"] == "" {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestListMigrationsOrdersByVersion(t *testing.T) {
	ups, err := listMigrations(migrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(ups) < 2 {
		t.Fatalf("expected several migrations, got %d", len(ups))
	}
	for i := 1; i < len(ups); i++ {
		if ups[i-1].version >= ups[i].version {
			t.Fatalf("migrations out of order: %s before %s", ups[i-1].version, ups[i].version)
		}
	}
	if ups[0].version != "0001_documents.up.sql" {
		t.Fatalf("expected documents table first, got %s", ups[0].version)
	}
}
