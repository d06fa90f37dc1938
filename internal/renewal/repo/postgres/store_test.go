package postgres

import (
	"io/fs"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"B-":   "B-",
		"50%_": `50\%\_`,
		`a\b`:  `a\\b`,
		"":     "",
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNullableConversions(t *testing.T) {
	if v := toNullUUID(nil); v.Valid {
		t.Errorf("Expected nil id to be NULL")
	}
	id := uuid.New()
	if got := fromNullUUID(toNullUUID(&id)); got == nil || *got != id {
		t.Errorf("Expected %s, got %v", id, got)
	}

	if v := toTimestamptz(time.Time{}); v.Valid {
		t.Errorf("Expected zero time to be NULL")
	}
	now := time.Now().UTC()
	if got := fromTimestamptz(toTimestamptz(now)); !got.Equal(now) {
		t.Errorf("Expected %v, got %v", now, got)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("Failed to read embedded migrations: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 migrations, got %d", len(entries))
	}
}
