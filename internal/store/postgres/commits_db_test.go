package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nixfleet/orchestrator/internal/models"
)

func TestCommitUpsertIncrementsAttempt(t *testing.T) {
	st := setupTestStore(t)
	defer cleanupTestStore(t, st)
	ctx := context.Background()

	flake := createTestFlake(t, st)
	hash := randomCommitHash()
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	first := &models.Commit{
		ID:              uuid.New().String(),
		FlakeID:         flake.ID,
		GitCommitHash:   hash,
		CommitTimestamp: ts,
	}
	created, err := st.Commits().Upsert(ctx, first)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if !created {
		t.Fatal("first delivery must report a new commit")
	}
	if first.AttemptCount != 1 {
		t.Errorf("attempt_count = %d after first delivery, want 1", first.AttemptCount)
	}

	// Redelivery of the same (flake, hash) keeps the original row and
	// bumps the attempt counter.
	second := &models.Commit{
		ID:              uuid.New().String(),
		FlakeID:         flake.ID,
		GitCommitHash:   hash,
		CommitTimestamp: ts,
	}
	created, err = st.Commits().Upsert(ctx, second)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if created {
		t.Error("redelivery must not report a new commit")
	}
	if second.ID != first.ID {
		t.Errorf("redelivery resolved to commit %s, want original %s", second.ID, first.ID)
	}
	if second.AttemptCount != 2 {
		t.Errorf("attempt_count = %d after redelivery, want 2", second.AttemptCount)
	}
}
