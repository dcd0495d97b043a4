package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/rivermouth/estuary/core"
)

// ResourceRunner executes one resource sync. Satisfied by Orchestrator.
type ResourceRunner interface {
	RunResource(
		ctx context.Context,
		appKey string,
		resourceType string,
		mode core.SyncMode,
		opts core.SyncOptions,
	) (core.SyncResult, error)
}

type WorkerOptions struct {
	Jobs   core.SyncJobStore
	Runner ResourceRunner
	// Budget bounds one invocation end to end. Zero falls back to 50s,
	// leaving headroom inside a one minute platform timeout.
	Budget time.Duration
	Logger core.Logger
	Now    func() time.Time
}

// heartbeatInterval throttles task liveness updates during a run.
const heartbeatInterval = 15 * time.Second

type WorkerReport struct {
	TasksCompleted  int
	TasksFailed     int
	BudgetExhausted bool
}

// Worker drains pending tasks inside an execution budget. It owns no
// concurrency itself: claiming is delegated to the job store, so any
// number of overlapping worker invocations stay safe.
type Worker struct {
	jobs   core.SyncJobStore
	runner ResourceRunner
	budget time.Duration
	logger core.Logger
	now    func() time.Time
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Jobs == nil {
		return nil, fmt.Errorf("sync: sync job store is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("sync: resource runner is required")
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = 50 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{
		jobs:   opts.Jobs,
		runner: opts.Runner,
		budget: budget,
		logger: glog.Ensure(opts.Logger),
		now:    now,
	}, nil
}

// RunRequest scopes one worker invocation. A blank JobID drains any
// job's tasks; a zero MaxTasks means unbounded within the budget.
type RunRequest struct {
	JobID    string
	MaxTasks int
}

// RunOnce claims and executes tasks until none remain, the budget runs
// out, or the task cap is reached. Tasks left pending at budget
// exhaustion simply wait for the next invocation.
func (w *Worker) RunOnce(ctx context.Context, req RunRequest) (WorkerReport, error) {
	if w == nil {
		return WorkerReport{}, fmt.Errorf("sync: worker is not configured")
	}
	report := WorkerReport{}
	deadline := w.now().Add(w.budget)
	jobID := strings.TrimSpace(req.JobID)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if req.MaxTasks > 0 && report.TasksCompleted+report.TasksFailed >= req.MaxTasks {
			break
		}
		if !w.now().Before(deadline) {
			report.BudgetExhausted = true
			break
		}

		task, ok, err := w.jobs.ClaimNextTask(ctx, jobID)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}

		job, err := w.jobs.GetJob(ctx, task.JobID)
		if err != nil {
			failure := core.TaskCompletion{TaskID: task.ID, ErrorMessage: err.Error()}
			if failErr := w.jobs.FailTask(ctx, failure); failErr != nil {
				return report, failErr
			}
			report.TasksFailed++
			continue
		}

		// The claim stamps the first heartbeat; progress callbacks keep it
		// fresh so the stalled-task sweep never reclaims a live run.
		lastBeat := w.now()
		result, runErr := w.runner.RunResource(ctx, job.AppKey, task.ResourceType, job.Mode, core.SyncOptions{
			Deadline: &deadline,
			OnProgress: func(int) {
				if w.now().Sub(lastBeat) < heartbeatInterval {
					return
				}
				lastBeat = w.now()
				if hbErr := w.jobs.Heartbeat(ctx, task.ID); hbErr != nil {
					w.logger.Error("task heartbeat failed",
						"job_id", task.JobID,
						"task_id", task.ID,
						"error", hbErr.Error(),
					)
				}
			},
		})

		completion := core.TaskCompletion{
			TaskID:      task.ID,
			EntityCount: result.Processed(),
		}
		if runErr != nil || !result.Success {
			completion.ErrorMessage = taskErrorMessage(result, runErr)
			if failErr := w.jobs.FailTask(ctx, completion); failErr != nil {
				return report, failErr
			}
			report.TasksFailed++
			w.logger.Error("sync task failed",
				"job_id", task.JobID,
				"task_id", task.ID,
				"resource_type", task.ResourceType,
				"error", completion.ErrorMessage,
			)
			continue
		}

		if completeErr := w.jobs.CompleteTask(ctx, completion); completeErr != nil {
			return report, completeErr
		}
		report.TasksCompleted++
		w.logger.Info("sync task completed",
			"job_id", task.JobID,
			"task_id", task.ID,
			"resource_type", task.ResourceType,
			"entity_count", completion.EntityCount,
		)
	}

	return report, nil
}

func taskErrorMessage(result core.SyncResult, runErr error) string {
	if runErr != nil {
		return runErr.Error()
	}
	if len(result.ErrorMessages) > 0 {
		return strings.Join(result.ErrorMessages, "; ")
	}
	return "sync run reported failure"
}
