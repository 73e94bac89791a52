package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDecisionImmutabilityMigrationUsesBlockingTriggers(t *testing.T) {
	migrationPath := filepath.Join(migrationsDir, "0002_suggestion_decisions_immutability_trigger.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"suggestion_decisions_immutable_guard",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_suggestion_decisions_block_update",
		"CREATE TRIGGER trg_suggestion_decisions_block_delete",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
}

func TestDecisionTableAcceptsEveryOutcome(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0001_suggestion_decisions.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, outcome := range []string{OutcomeAccepted, OutcomeDiscarded, OutcomeOrphaned} {
		if !strings.Contains(string(sqlBytes), "'"+outcome+"'") {
			t.Errorf("outcome %s missing from check constraint", outcome)
		}
	}
}

func TestDecisionTableKeepsOneOutcomePerSuggestion(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0004_suggestion_decisions_unique_suggestion.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(sqlBytes), "CREATE UNIQUE INDEX IF NOT EXISTS uq_suggestion_decisions_suggestion ON suggestion_decisions (suggestion_id)") {
		t.Fatalf("expected a unique index on suggestion_id")
	}
}
