package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"inkdex/internal/models"
)

func TestRetryBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{6, 30 * time.Minute},
		{10, 30 * time.Minute},
		{100, 30 * time.Minute},
	}
	for _, tc := range cases {
		if got := RetryBackoff(tc.attempts); got != tc.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestPayloadFingerprint(t *testing.T) {
	a := PayloadFingerprint([]byte(`{"contract_id":1,"fromBlock":0,"toBlock":100}`))
	b := PayloadFingerprint([]byte(`{"contract_id":1,"fromBlock":0,"toBlock":100}`))
	c := PayloadFingerprint([]byte(`{"contract_id":1,"fromBlock":0,"toBlock":101}`))

	if a != b {
		t.Error("identical payloads must share a fingerprint")
	}
	if a == c {
		t.Error("distinct payloads must not collide")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func testRepo(t *testing.T) *Repository {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	repo, err := NewRepository(dbURL)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.Migrate("../../schema.sql"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return repo
}

func TestJobLifecycle(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	payload, _ := json.Marshal(models.BackfillPayload{ContractID: 0, FromBlock: 0, ToBlock: 1000})
	job, err := repo.Enqueue(ctx, &models.Job{
		JobType: models.JobTypeBackfill,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	defer repo.db.Exec(ctx, `DELETE FROM job_queue WHERE id = $1`, job.ID)

	// Same payload while pending is a duplicate.
	_, err = repo.Enqueue(ctx, &models.Job{JobType: models.JobTypeBackfill, Payload: payload})
	var dup *ErrDuplicateJob
	if !errors.As(err, &dup) {
		t.Fatalf("second enqueue: got %v, want ErrDuplicateJob", err)
	}
	if dup.Existing.ID != job.ID {
		t.Errorf("duplicate points at job %d, want %d", dup.Existing.ID, job.ID)
	}

	leased, err := repo.Lease(ctx, "test-worker", 10)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	var mine *models.Job
	for i := range leased {
		if leased[i].ID == job.ID {
			mine = &leased[i]
		}
	}
	if mine == nil {
		t.Fatal("enqueued job was not leased")
	}
	if mine.Status != models.JobProcessing || mine.Attempts != 1 {
		t.Fatalf("leased job status=%s attempts=%d, want processing/1", mine.Status, mine.Attempts)
	}

	// First failure flips back to pending with a backoff.
	if err := repo.FailJob(ctx, job.ID, errors.New("rpc 429")); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	got, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobPending {
		t.Fatalf("status after first failure = %s, want pending", got.Status)
	}
	if got.NextRetryAt == nil || time.Until(*got.NextRetryAt) > 2*time.Minute {
		t.Errorf("next_retry_at = %v, want within 2m", got.NextRetryAt)
	}
}

func TestRecordFailedJob(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	job, err := repo.RecordFailedJob(ctx, &models.Job{
		JobType: models.JobTypeDiscover,
		Payload: []byte(`{"contract_id": 42}`),
	}, errors.New("contract flagged after 5 consecutive failures"))
	if err != nil {
		t.Fatalf("RecordFailedJob: %v", err)
	}
	defer repo.db.Exec(ctx, `DELETE FROM job_queue WHERE id = $1`, job.ID)

	if job.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatal("error_message must carry the cause")
	}

	// The row is visible where operators look for dead work.
	failed, err := repo.ListJobs(ctx, models.JobFailed, 100)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	found := false
	for _, j := range failed {
		if j.ID == job.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("flagged job not listed under failed")
	}

	// Retry puts it back in the runnable queue.
	if err := repo.RetryJob(ctx, job.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	got, _ := repo.GetJob(ctx, job.ID)
	if got.Status != models.JobPending || got.Attempts != 0 {
		t.Fatalf("retried flagged job = %s attempts=%d", got.Status, got.Attempts)
	}
}

func TestCancelRequiresPendingOrFailed(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	job, err := repo.Enqueue(ctx, &models.Job{
		JobType: models.JobTypeDiscover,
		Payload: []byte(`{"probe":"cancel"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	defer repo.db.Exec(ctx, `DELETE FROM job_queue WHERE id = $1`, job.ID)

	if err := repo.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob on pending: %v", err)
	}
	got, _ := repo.GetJob(ctx, job.ID)
	if got.Status != models.JobFailed || got.ErrorMessage != "cancelled by admin" {
		t.Fatalf("cancelled job = %s/%q", got.Status, got.ErrorMessage)
	}

	// Retry flips back to pending with a clean slate.
	if err := repo.RetryJob(ctx, job.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	got, _ = repo.GetJob(ctx, job.ID)
	if got.Status != models.JobPending || got.Attempts != 0 || got.ErrorMessage != "" {
		t.Fatalf("retried job = %s attempts=%d err=%q", got.Status, got.Attempts, got.ErrorMessage)
	}

	if err := repo.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob on retried pending: %v", err)
	}
}
