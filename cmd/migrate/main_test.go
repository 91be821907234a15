package main

import (
	"path/filepath"
	"testing"
)

func TestMigrationsDir(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"postgres://user:pw@localhost/rules?sslmode=disable", filepath.Join("migrations", "postgres"), false},
		{"postgresql://localhost/rules", filepath.Join("migrations", "postgres"), false},
		{"sqlite:///var/lib/rules.db", filepath.Join("migrations", "sqlite"), false},
		{"mysql://localhost/rules", "", true},
		{"/var/lib/rules.db", "", true},
	}

	for _, tt := range tests {
		got, err := migrationsDir("migrations", tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("migrationsDir(%q): expected error, got %q", tt.url, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("migrationsDir(%q): unexpected error: %v", tt.url, err)
			continue
		}
		if got != tt.want {
			t.Errorf("migrationsDir(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestRun_SQLiteUpAndDown(t *testing.T) {
	dbURL := "sqlite://" + filepath.ToSlash(filepath.Join(t.TempDir(), "rules.db"))
	root := filepath.Join("..", "..", "migrations")

	if err := run(dbURL, root, "up", nil); err != nil {
		t.Fatalf("up failed: %v", err)
	}
	if err := run(dbURL, root, "up", nil); err != nil {
		t.Fatalf("second up should be a no-op, got: %v", err)
	}
	if err := run(dbURL, root, "version", nil); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if err := run(dbURL, root, "down", nil); err != nil {
		t.Fatalf("down failed: %v", err)
	}
	if err := run(dbURL, root, "bogus", nil); err == nil {
		t.Error("Expected unknown command to fail")
	}
}
