package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.toml")
	content := `
[dev]
driver  = "sqlite3"
dsn     = "file:dev.db"
dialect = "sqlite"
schema  = "main"

[prod]
driver   = "postgres"
dsn      = "postgres://localhost/warehouse"
dialect  = "postgres"
schema   = "analytics"
database = "warehouse"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles", len(profiles))
	}
	dev := profiles["dev"]
	if dev.Driver != "sqlite3" || dev.Dialect != "sqlite" {
		t.Fatalf("dev profile: %+v", dev)
	}
	prod := profiles["prod"]
	if prod.Database != "warehouse" || prod.Schema != "analytics" {
		t.Fatalf("prod profile: %+v", prod)
	}
}

func TestLoadProfilesMissingFile(t *testing.T) {
	if _, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestSelectProfile(t *testing.T) {
	profiles := map[string]Profile{
		"dev":  {Dialect: "sqlite"},
		"prod": {Dialect: "postgres"},
	}

	p, err := SelectProfile(profiles, "prod")
	if err != nil || p.Dialect != "postgres" {
		t.Fatalf("got %+v, %v", p, err)
	}

	if _, err := SelectProfile(profiles, "staging"); err == nil {
		t.Fatal("expected error for unknown target")
	}

	if _, err := SelectProfile(profiles, ""); err == nil {
		t.Fatal("expected error for ambiguous default")
	}

	only := map[string]Profile{"dev": {Dialect: "sqlite"}}
	p, err = SelectProfile(only, "")
	if err != nil || p.Dialect != "sqlite" {
		t.Fatalf("lone target: %+v, %v", p, err)
	}
}

func TestContextLines(t *testing.T) {
	src := "line one\nline two\nline three\nline four"
	got := ContextLines(src, 3)
	want := "       1 | line one\n       2 | line two\n  >    3 | line three\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if ContextLines(src, 99) != "" {
		t.Fatal("out of range should render nothing")
	}
}
