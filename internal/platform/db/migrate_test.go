package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_audit.sql":     {Data: []byte("CREATE TABLE audit (id SERIAL PRIMARY KEY);")},
		"001_resources.sql": {Data: []byte("CREATE TABLE resources (id SERIAL PRIMARY KEY);")},
		"010_indexes.sql":   {Data: []byte("CREATE INDEX idx ON resources (id);")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_resources.sql" {
		t.Errorf("expected name 001_resources.sql, got %s", migrations[0].Name)
	}
	if !strings.Contains(migrations[0].SQL, "CREATE TABLE resources") {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":   {Data: []byte("SELECT 1;")},
		"readme.md":       {Data: []byte("docs")},
		"noversion.sql":   {Data: []byte("SELECT 2;")},
		"abc_invalid.sql": {Data: []byte("SELECT 3;")},
		"sub/002_x.sql":   {Data: []byte("SELECT 4;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Version != 1 {
		t.Errorf("expected only the valid migration, got %+v", migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 2;")},
	}

	if _, err := NewMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Error("expected error for duplicate versions")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, EmbeddedMigrations()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected at least 2 embedded migrations, got %d", len(migrations))
	}

	var sawResources, sawAudit bool
	for _, m := range migrations {
		if strings.Contains(m.SQL, "CREATE TABLE IF NOT EXISTS fhir_resource ") {
			sawResources = true
		}
		if strings.Contains(m.SQL, "CREATE TABLE IF NOT EXISTS audit_log") {
			sawAudit = true
		}
	}
	if !sawResources || !sawAudit {
		t.Errorf("embedded migrations missing tables: resources=%v audit=%v", sawResources, sawAudit)
	}
}

func TestPendingAndStatuses(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_a.sql"},
		{Version: 2, Name: "002_b.sql"},
		{Version: 3, Name: "003_c.sql"},
	}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := map[int]time.Time{1: at, 3: at}

	p := pending(migrations, applied)
	if len(p) != 1 || p[0].Version != 2 {
		t.Errorf("expected only version 2 pending, got %+v", p)
	}

	s := statuses(migrations, applied)
	if len(s) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(s))
	}
	if !s[0].Applied || s[0].AppliedAt == nil || !s[0].AppliedAt.Equal(at) {
		t.Errorf("expected version 1 applied at %v, got %+v", at, s[0])
	}
	if s[1].Applied || s[1].AppliedAt != nil {
		t.Errorf("expected version 2 pending, got %+v", s[1])
	}
}
