package core

import (
	"errors"
	"testing"
	"time"
)

func TestSyncJobTransitions(t *testing.T) {
	now := time.Now().UTC()
	job := SyncJob{Status: SyncJobStatusPending}

	if err := job.TransitionTo(SyncJobStatusCompleted, now); err == nil {
		t.Fatalf("expected pending -> completed to be rejected")
	}
	if err := job.TransitionTo(SyncJobStatusProcessing, now); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if job.StartedAt == nil {
		t.Fatalf("expected started_at to be stamped on processing")
	}
	if err := job.TransitionTo(SyncJobStatusCompleted, now); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if job.CompletedAt == nil {
		t.Fatalf("expected completed_at to be stamped")
	}
	if err := job.TransitionTo(SyncJobStatusFailed, now); !errors.Is(err, ErrInvalidJobStatusTransition) {
		t.Fatalf("expected terminal job to reject transition, got %v", err)
	}
}

func TestSyncTaskTransitions(t *testing.T) {
	now := time.Now().UTC()
	task := SyncJobTask{Status: SyncTaskStatusPending}

	if err := task.TransitionTo(SyncTaskStatusProcessing, now); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if task.LastHeartbeat == nil {
		t.Fatalf("expected heartbeat on claim")
	}
	if err := task.TransitionTo(SyncTaskStatusFailed, now); err != nil {
		t.Fatalf("processing -> failed: %v", err)
	}
	if err := task.TransitionTo(SyncTaskStatusProcessing, now); !errors.Is(err, ErrInvalidTaskStatusTransition) {
		t.Fatalf("expected terminal task to reject transition, got %v", err)
	}

	skipped := SyncJobTask{Status: SyncTaskStatusPending}
	if err := skipped.TransitionTo(SyncTaskStatusCompleted, now); !errors.Is(err, ErrInvalidTaskStatusTransition) {
		t.Fatalf("expected pending task to reject completion without claim, got %v", err)
	}
}

func TestDeriveJobStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []SyncTaskStatus
		want     SyncJobStatus
	}{
		{"no tasks", nil, SyncJobStatusPending},
		{"all pending", []SyncTaskStatus{SyncTaskStatusPending, SyncTaskStatusPending}, SyncJobStatusPending},
		{"partial terminal", []SyncTaskStatus{SyncTaskStatusCompleted, SyncTaskStatusCompleted, SyncTaskStatusPending}, SyncJobStatusProcessing},
		{"one claimed", []SyncTaskStatus{SyncTaskStatusProcessing, SyncTaskStatusPending}, SyncJobStatusProcessing},
		{"all completed", []SyncTaskStatus{SyncTaskStatusCompleted, SyncTaskStatusCompleted, SyncTaskStatusCompleted}, SyncJobStatusCompleted},
		{"one failed", []SyncTaskStatus{SyncTaskStatusCompleted, SyncTaskStatusCompleted, SyncTaskStatusFailed}, SyncJobStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tasks := make([]SyncJobTask, 0, len(tc.statuses))
			for _, status := range tc.statuses {
				tasks = append(tasks, SyncJobTask{Status: status})
			}
			if got := DeriveJobStatus(tasks); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestProgressPercentage(t *testing.T) {
	job := SyncJob{TotalTasks: 3, CompletedTasks: 2}
	if got := job.ProgressPercentage(); got != 66 {
		t.Fatalf("expected 66, got %d", got)
	}
	job.FailedTasks = 1
	if got := job.ProgressPercentage(); got != 66 {
		t.Fatalf("expected failed task to add no progress, got %d", got)
	}
	job.CompletedTasks = 3
	if got := job.ProgressPercentage(); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	if got := (SyncJob{}).ProgressPercentage(); got != 0 {
		t.Fatalf("expected 0 for empty job, got %d", got)
	}
}

func TestParseSyncMode(t *testing.T) {
	if mode, err := ParseSyncMode(""); err != nil || mode != SyncModeFull {
		t.Fatalf("expected empty mode to default to full, got %q %v", mode, err)
	}
	if mode, err := ParseSyncMode("Incremental"); err != nil || mode != SyncModeIncremental {
		t.Fatalf("expected incremental, got %q %v", mode, err)
	}
	if _, err := ParseSyncMode("bootstrap"); !errors.Is(err, ErrInvalidSyncMode) {
		t.Fatalf("expected invalid mode error, got %v", err)
	}
}

func TestAppConfigResourceAllowed(t *testing.T) {
	app := AppConfig{AppKey: "app1", Connector: "devkit"}
	if !app.ResourceAllowed("customers") {
		t.Fatalf("empty allow-list should admit everything")
	}
	app.Resources = []string{"customers", "Invoices"}
	if !app.ResourceAllowed("invoices") {
		t.Fatalf("allow-list match should be case-insensitive")
	}
	if app.ResourceAllowed("orders") {
		t.Fatalf("orders should be excluded")
	}
}

func TestSyncResultMerge(t *testing.T) {
	total := SyncResult{Success: true}
	total.Merge(SyncResult{Success: true, Created: 2, Updated: 1, DurationMs: 10})
	total.Merge(SyncResult{Success: false, Deleted: 3, Errors: 1, ErrorMessages: []string{"page 2 failed"}, DurationMs: 5})

	if total.Success {
		t.Fatalf("merge with a failed run should report failure")
	}
	if total.Created != 2 || total.Updated != 1 || total.Deleted != 3 || total.Errors != 1 {
		t.Fatalf("unexpected counters: %+v", total)
	}
	if total.Processed() != 6 {
		t.Fatalf("expected processed=6, got %d", total.Processed())
	}
	if total.DurationMs != 15 {
		t.Fatalf("expected merged duration 15, got %d", total.DurationMs)
	}
}
