package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/rivermouth/estuary/core"
	"github.com/uptrace/bun"
)

// SyncJobStore is the database-backed work queue. Task claiming is a
// conditional pending -> processing update; the database decides the
// winner, no in-process locking is involved.
type SyncJobStore struct {
	db       *bun.DB
	jobRepo  repository.Repository[*syncJobRecord]
	taskRepo repository.Repository[*syncJobTaskRecord]
}

func NewSyncJobStore(db *bun.DB) (*SyncJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	jobRepo := repository.NewRepository[*syncJobRecord](db, syncJobHandlers())
	if validator, ok := jobRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid sync job repository wiring: %w", err)
		}
	}
	taskRepo := repository.NewRepository[*syncJobTaskRecord](db, syncJobTaskHandlers())
	if validator, ok := taskRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid sync job task repository wiring: %w", err)
		}
	}
	return &SyncJobStore{
		db:       db,
		jobRepo:  jobRepo,
		taskRepo: taskRepo,
	}, nil
}

// CreateJob writes the job and one pending task per resource type in a
// single transaction, so a visible job always has its full work breakdown.
func (s *SyncJobStore) CreateJob(ctx context.Context, in core.CreateSyncJobInput) (core.SyncJob, error) {
	if s == nil || s.db == nil {
		return core.SyncJob{}, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	in.AppKey = strings.TrimSpace(in.AppKey)
	if in.AppKey == "" {
		return core.SyncJob{}, fmt.Errorf("sqlstore: app key is required")
	}
	mode, err := core.ParseSyncMode(string(in.Mode))
	if err != nil {
		return core.SyncJob{}, err
	}
	resourceTypes := dedupeStrings(in.ResourceTypes)
	if len(resourceTypes) == 0 {
		return core.SyncJob{}, fmt.Errorf("sqlstore: at least one resource type is required")
	}

	now := time.Now().UTC()
	job := &syncJobRecord{
		ID:            uuid.NewString(),
		AppKey:        in.AppKey,
		Mode:          string(mode),
		ResourceTypes: resourceTypes,
		Status:        string(core.SyncJobStatusPending),
		TotalTasks:    len(resourceTypes),
		CreatedAt:     now,
	}
	tasks := make([]*syncJobTaskRecord, 0, len(resourceTypes))
	for _, resourceType := range resourceTypes {
		tasks = append(tasks, &syncJobTaskRecord{
			ID:           uuid.NewString(),
			JobID:        job.ID,
			ResourceType: resourceType,
			Status:       string(core.SyncTaskStatusPending),
			CreatedAt:    now,
		})
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, insertErr := tx.NewInsert().Model(job).Exec(ctx); insertErr != nil {
			return insertErr
		}
		if _, insertErr := tx.NewInsert().Model(&tasks).Exec(ctx); insertErr != nil {
			return insertErr
		}
		return nil
	})
	if err != nil {
		return core.SyncJob{}, err
	}
	return job.toDomain(), nil
}

func (s *SyncJobStore) GetJob(ctx context.Context, jobID string) (core.SyncJob, error) {
	if s == nil || s.db == nil {
		return core.SyncJob{}, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return core.SyncJob{}, core.ErrSyncJobNotFound
	}
	record := &syncJobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("id = ?", jobID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.SyncJob{}, core.ErrSyncJobNotFound
		}
		return core.SyncJob{}, err
	}
	return record.toDomain(), nil
}

func (s *SyncJobStore) ListTasks(ctx context.Context, jobID string) ([]core.SyncJobTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, core.ErrSyncJobNotFound
	}
	var records []syncJobTaskRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("job_id = ?", jobID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	tasks := make([]core.SyncJobTask, 0, len(records))
	for i := range records {
		tasks = append(tasks, records[i].toDomain())
	}
	return tasks, nil
}

// ClaimNextTask claims the oldest pending task, scoped to one job when
// jobID is set. The conditional update re-checks status on write, so out
// of any number of concurrent callers exactly one wins a given task;
// losers simply see no row returned.
func (s *SyncJobStore) ClaimNextTask(ctx context.Context, jobID string) (core.SyncJobTask, bool, error) {
	if s == nil || s.db == nil {
		return core.SyncJobTask{}, false, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	now := time.Now().UTC()

	var records []syncJobTaskRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		jobFilter := ""
		args := []any{string(core.SyncTaskStatusPending)}
		if jobID != "" {
			jobFilter = "AND job_id = ?"
			args = append(args, jobID)
		}
		query := fmt.Sprintf(`
WITH claimed AS (
	SELECT id
	FROM sync_job_tasks
	WHERE status = ? %s
	ORDER BY created_at ASC, id ASC
	LIMIT 1
)
UPDATE sync_job_tasks
SET status = ?, started_at = ?, last_heartbeat = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	job_id,
	resource_type,
	status,
	entity_count,
	cursor,
	last_heartbeat,
	error_message,
	created_at,
	started_at,
	completed_at
`, jobFilter)
		args = append(args,
			string(core.SyncTaskStatusProcessing),
			now,
			now,
			string(core.SyncTaskStatusPending),
		)
		if scanErr := tx.NewRaw(query, args...).Scan(ctx, &records); scanErr != nil {
			return scanErr
		}
		if len(records) == 0 {
			return nil
		}
		// First claim moves the owning job out of pending.
		_, updateErr := tx.NewUpdate().
			Model((*syncJobRecord)(nil)).
			Set("status = ?", string(core.SyncJobStatusProcessing)).
			Set("started_at = ?", now).
			Where("id = ?", records[0].JobID).
			Where("status = ?", string(core.SyncJobStatusPending)).
			Exec(ctx)
		return updateErr
	})
	if err != nil {
		return core.SyncJobTask{}, false, err
	}
	if len(records) == 0 {
		return core.SyncJobTask{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

// CompleteTask finishes a processing task and rolls the owning job's
// counters and derived status forward in the same transaction.
func (s *SyncJobStore) CompleteTask(ctx context.Context, completion core.TaskCompletion) error {
	return s.finishTask(ctx, completion, core.SyncTaskStatusCompleted)
}

// FailTask marks a processing task failed. EntityCount may carry the
// partial progress made before the failure.
func (s *SyncJobStore) FailTask(ctx context.Context, completion core.TaskCompletion) error {
	return s.finishTask(ctx, completion, core.SyncTaskStatusFailed)
}

func (s *SyncJobStore) finishTask(ctx context.Context, completion core.TaskCompletion, status core.SyncTaskStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: sync job store is not configured")
	}
	taskID := strings.TrimSpace(completion.TaskID)
	if taskID == "" {
		return core.ErrSyncTaskNotFound
	}
	now := time.Now().UTC()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*syncJobTaskRecord)(nil)).
			Set("status = ?", string(status)).
			Set("entity_count = ?", completion.EntityCount).
			Set("cursor = ?", completion.Cursor).
			Set("error_message = ?", completion.ErrorMessage).
			Set("completed_at = ?", now).
			Where("id = ?", taskID).
			Where("status = ?", string(core.SyncTaskStatusProcessing)).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: task %s is not processing", core.ErrInvalidTaskStatusTransition, taskID)
		}

		task := &syncJobTaskRecord{}
		if err := tx.NewSelect().Model(task).Where("id = ?", taskID).Limit(1).Scan(ctx); err != nil {
			return err
		}
		_, err = s.recomputeJobStatusTx(ctx, tx, task.JobID, now)
		return err
	})
}

// Heartbeat refreshes a processing task's liveness marker so the stall
// sweep leaves it alone.
func (s *SyncJobStore) Heartbeat(ctx context.Context, taskID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: sync job store is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return core.ErrSyncTaskNotFound
	}
	result, err := s.db.NewUpdate().
		Model((*syncJobTaskRecord)(nil)).
		Set("last_heartbeat = ?", time.Now().UTC()).
		Where("id = ?", taskID).
		Where("status = ?", string(core.SyncTaskStatusProcessing)).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrSyncTaskNotFound
	}
	return nil
}

// RecomputeJobStatus derives the job status and counters from its task set.
func (s *SyncJobStore) RecomputeJobStatus(ctx context.Context, jobID string) (core.SyncJob, error) {
	if s == nil || s.db == nil {
		return core.SyncJob{}, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return core.SyncJob{}, core.ErrSyncJobNotFound
	}
	var job core.SyncJob
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		refreshed, err := s.recomputeJobStatusTx(ctx, tx, jobID, time.Now().UTC())
		if err != nil {
			return err
		}
		job = refreshed
		return nil
	})
	if err != nil {
		return core.SyncJob{}, err
	}
	return job, nil
}

func (s *SyncJobStore) recomputeJobStatusTx(ctx context.Context, tx bun.Tx, jobID string, now time.Time) (core.SyncJob, error) {
	record := &syncJobRecord{}
	if err := tx.NewSelect().Model(record).Where("id = ?", jobID).Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.SyncJob{}, core.ErrSyncJobNotFound
		}
		return core.SyncJob{}, err
	}

	var taskRecords []syncJobTaskRecord
	if err := tx.NewSelect().
		Model(&taskRecords).
		Where("job_id = ?", jobID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx); err != nil {
		return core.SyncJob{}, err
	}
	tasks := make([]core.SyncJobTask, 0, len(taskRecords))
	completed := 0
	failed := 0
	processed := 0
	errorMessage := ""
	for i := range taskRecords {
		task := taskRecords[i].toDomain()
		tasks = append(tasks, task)
		processed += task.EntityCount
		switch task.Status {
		case core.SyncTaskStatusCompleted:
			completed++
		case core.SyncTaskStatusFailed:
			failed++
			if errorMessage == "" && task.ErrorMessage != "" {
				errorMessage = fmt.Sprintf("%s: %s", task.ResourceType, task.ErrorMessage)
			}
		}
	}

	record.CompletedTasks = completed
	record.FailedTasks = failed
	record.ProcessedEntities = processed
	record.ErrorMessage = errorMessage

	// Cancelled is externally requested and sticks; everything else is a
	// pure function of the task set.
	if record.Status != string(core.SyncJobStatusCancelled) {
		derived := core.DeriveJobStatus(tasks)
		record.Status = string(derived)
		switch derived {
		case core.SyncJobStatusProcessing:
			if record.StartedAt == nil {
				startedAt := now
				record.StartedAt = &startedAt
			}
		case core.SyncJobStatusCompleted, core.SyncJobStatusFailed:
			if record.StartedAt == nil {
				startedAt := now
				record.StartedAt = &startedAt
			}
			if record.CompletedAt == nil {
				completedAt := now
				record.CompletedAt = &completedAt
			}
		}
	}

	if _, err := tx.NewUpdate().
		Model(record).
		Column("status", "completed_tasks", "failed_tasks", "processed_entities", "error_message", "started_at", "completed_at").
		WherePK().
		Exec(ctx); err != nil {
		return core.SyncJob{}, err
	}
	return record.toDomain(), nil
}

// ReclaimStalled fails processing tasks whose heartbeat predates the
// cutoff, then re-derives every touched job. A crashed worker therefore
// cannot strand a job in processing forever.
func (s *SyncJobStore) ReclaimStalled(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	now := time.Now().UTC()
	reclaimed := 0
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var records []syncJobTaskRecord
		query := `
UPDATE sync_job_tasks
SET status = ?, error_message = ?, completed_at = ?
WHERE status = ?
  AND (last_heartbeat IS NULL OR last_heartbeat < ?)
RETURNING
	id,
	job_id,
	resource_type,
	status,
	entity_count,
	cursor,
	last_heartbeat,
	error_message,
	created_at,
	started_at,
	completed_at
`
		if err := tx.NewRaw(
			query,
			string(core.SyncTaskStatusFailed),
			"task heartbeat expired",
			now,
			string(core.SyncTaskStatusProcessing),
			cutoff.UTC(),
		).Scan(ctx, &records); err != nil {
			return err
		}
		reclaimed = len(records)

		jobIDs := map[string]struct{}{}
		for i := range records {
			jobIDs[records[i].JobID] = struct{}{}
		}
		for jobID := range jobIDs {
			if _, err := s.recomputeJobStatusTx(ctx, tx, jobID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// DeleteFinishedBefore removes terminal jobs older than the cutoff. Tasks
// are removed explicitly so retention does not depend on the engine's
// cascade configuration.
func (s *SyncJobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	terminal := []string{
		string(core.SyncJobStatusCompleted),
		string(core.SyncJobStatusFailed),
		string(core.SyncJobStatusCancelled),
	}
	deleted := 0
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*syncJobTaskRecord)(nil)).
			Where("job_id IN (SELECT id FROM sync_jobs WHERE status IN (?) AND completed_at < ?)",
				bun.In(terminal), cutoff.UTC()).
			Exec(ctx); err != nil {
			return err
		}
		result, err := tx.NewDelete().
			Model((*syncJobRecord)(nil)).
			Where("status IN (?)", bun.In(terminal)).
			Where("completed_at < ?", cutoff.UTC()).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(affected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// CancelJob marks a non-terminal job cancelled and fails its remaining
// pending tasks so no worker can claim them afterwards. A task already
// processing runs to completion; the job status stays cancelled.
func (s *SyncJobStore) CancelJob(ctx context.Context, jobID string) (core.SyncJob, error) {
	if s == nil || s.db == nil {
		return core.SyncJob{}, fmt.Errorf("sqlstore: sync job store is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return core.SyncJob{}, core.ErrSyncJobNotFound
	}
	now := time.Now().UTC()
	var out core.SyncJob
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &syncJobRecord{}
		if err := tx.NewSelect().Model(record).Where("id = ?", jobID).Limit(1).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrSyncJobNotFound
			}
			return err
		}
		job := record.toDomain()
		if err := job.TransitionTo(core.SyncJobStatusCancelled, now); err != nil {
			return err
		}
		if _, err := tx.NewUpdate().
			Model((*syncJobTaskRecord)(nil)).
			Set("status = ?", string(core.SyncTaskStatusFailed)).
			Set("error_message = ?", "job cancelled").
			Set("completed_at = ?", now).
			Where("job_id = ?", jobID).
			Where("status = ?", string(core.SyncTaskStatusPending)).
			Exec(ctx); err != nil {
			return err
		}
		record.Status = string(job.Status)
		record.CompletedAt = job.CompletedAt
		if _, err := tx.NewUpdate().
			Model(record).
			Column("status", "completed_at").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.SyncJob{}, err
	}
	return out, nil
}

func dedupeStrings(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

var _ core.SyncJobStore = (*SyncJobStore)(nil)
