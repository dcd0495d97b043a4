// Package httpapi exposes the engine over HTTP: webhook ingestion, sync
// orchestration, worker invocation, and job status. Every route is a
// short-lived unit of work; there is no shared in-process scheduler.
package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/rivermouth/estuary/core"
	enginesync "github.com/rivermouth/estuary/sync"
	"github.com/rivermouth/estuary/webhooks"
)

const defaultBodyLimit = 1 << 20

var appKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type ServerOptions struct {
	Processor    *webhooks.Processor
	Orchestrator *enginesync.Orchestrator
	Worker       *enginesync.Worker
	Jobs         core.SyncJobStore

	// AdminToken guards every route except webhook ingestion, which is
	// authenticated by signature verification instead.
	AdminToken string
	// BodyLimit caps request bodies; zero means 1 MiB.
	BodyLimit int
	Logger    core.Logger
}

type Server struct {
	app    *fiber.App
	opts   ServerOptions
	logger core.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Processor == nil {
		return nil, fmt.Errorf("httpapi: webhook processor is required")
	}
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("httpapi: orchestrator is required")
	}
	if opts.Worker == nil {
		return nil, fmt.Errorf("httpapi: worker is required")
	}
	if opts.Jobs == nil {
		return nil, fmt.Errorf("httpapi: sync job store is required")
	}
	if strings.TrimSpace(opts.AdminToken) == "" {
		return nil, fmt.Errorf("httpapi: admin token is required")
	}
	bodyLimit := opts.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}

	server := &Server{opts: opts, logger: glog.Ensure(opts.Logger)}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit,
		ErrorHandler:          server.handleError,
	})

	app.Post("/webhook/:app_key", server.handleWebhook)
	app.Post("/sync", server.requireAdmin, server.handleSync)
	app.Post("/worker", server.requireAdmin, server.handleWorker)
	app.Get("/sync/jobs/:job_id", server.requireAdmin, server.handleJobStatus)

	server.app = app
	return server, nil
}

// App exposes the fiber app for request-level tests.
func (s *Server) App() *fiber.App {
	if s == nil {
		return nil
	}
	return s.app
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	if fiberErr, ok := err.(*fiber.Error); ok {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"success": false,
			"error":   fiberErr.Message,
		})
	}
	return s.writeError(c, err)
}

// writeError renders the shared error envelope. Internal failures get a
// generic message; the detail stays in server logs.
func (s *Server) writeError(c *fiber.Ctx, err error) error {
	mapped := core.MapError(err)
	if mapped == nil {
		return nil
	}
	if mapped.Code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Method(),
			"path", c.Path(),
			"error", err.Error(),
		)
		return c.Status(mapped.Code).JSON(fiber.Map{
			"success": false,
			"error":   "internal error",
			"code":    mapped.TextCode,
		})
	}
	if retryAfter, ok := retryAfterSeconds(mapped.Metadata); ok {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	}
	return c.Status(mapped.Code).JSON(fiber.Map{
		"success": false,
		"error":   mapped.Message,
		"code":    mapped.TextCode,
	})
}

func retryAfterSeconds(metadata map[string]any) (int, bool) {
	switch value := metadata["retry_after_seconds"].(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	}
	return 0, false
}

// requireAdmin compares the bearer credential in constant time.
func (s *Server) requireAdmin(c *fiber.Ctx) error {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return unauthorized(c)
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.opts.AdminToken)) != 1 {
		return unauthorized(c)
	}
	return c.Next()
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"error":   "invalid admin credential",
	})
}

func (s *Server) handleWebhook(c *fiber.Ctx) error {
	appKey := c.Params("app_key")
	if !appKeyPattern.MatchString(appKey) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "malformed app key",
			"code":    core.SyncErrorBadInput,
		})
	}

	headers := map[string]string{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})

	result, err := s.opts.Processor.Process(c.Context(), core.WebhookRequest{
		AppKey:   appKey,
		Headers:  headers,
		Body:     append([]byte(nil), c.Body()...),
		ClientIP: c.IP(),
	})
	if err != nil {
		return s.writeError(c, err)
	}

	response := fiber.Map{
		"success":       true,
		"event_type":    string(result.EventType),
		"resource_type": result.ResourceType,
		"applied":       result.Applied,
	}
	if result.Skipped {
		response["skipped"] = true
		response["skip_reason"] = result.SkipReason
	}
	return c.JSON(response)
}

type syncRequest struct {
	AppKey        string   `json:"app_key"`
	Mode          string   `json:"mode"`
	ResourceTypes []string `json:"resource_types"`
	Immediate     bool     `json:"immediate"`
	Limit         int      `json:"limit"`
	DryRun        bool     `json:"dry_run"`
}

func (s *Server) handleSync(c *fiber.Ctx) error {
	var req syncRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
			"code":    core.SyncErrorBadInput,
		})
	}
	if !appKeyPattern.MatchString(strings.TrimSpace(req.AppKey)) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "malformed app key",
			"code":    core.SyncErrorBadInput,
		})
	}

	out, err := s.opts.Orchestrator.StartSync(c.Context(), enginesync.StartSyncInput{
		AppKey:        strings.TrimSpace(req.AppKey),
		Mode:          core.SyncMode(req.Mode),
		ResourceTypes: req.ResourceTypes,
		Async:         !req.Immediate,
		Limit:         req.Limit,
		DryRun:        req.DryRun,
	})
	if err != nil {
		return s.writeError(c, err)
	}

	if out.Job != nil {
		return c.JSON(fiber.Map{
			"success":        true,
			"job_id":         out.Job.ID,
			"status":         string(out.Job.Status),
			"total_tasks":    out.Job.TotalTasks,
			"resource_types": out.Job.ResourceTypes,
		})
	}

	results := make(map[string]fiber.Map, len(out.Results))
	for resourceType, result := range out.Results {
		results[resourceType] = syncResultPayload(result)
	}
	return c.JSON(fiber.Map{
		"success": out.Summary.Success,
		"summary": syncResultPayload(out.Summary),
		"results": results,
	})
}

type workerRequest struct {
	JobID    string `json:"job_id"`
	MaxTasks int    `json:"max_tasks"`
}

func (s *Server) handleWorker(c *fiber.Ctx) error {
	req := workerRequest{}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "invalid request body",
				"code":    core.SyncErrorBadInput,
			})
		}
	}

	report, err := s.opts.Worker.RunOnce(c.Context(), enginesync.RunRequest{
		JobID:    req.JobID,
		MaxTasks: req.MaxTasks,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":          true,
		"tasks_completed":  report.TasksCompleted,
		"tasks_failed":     report.TasksFailed,
		"budget_exhausted": report.BudgetExhausted,
	})
}

func (s *Server) handleJobStatus(c *fiber.Ctx) error {
	jobID := strings.TrimSpace(c.Params("job_id"))
	if jobID == "" {
		jobID = strings.TrimSpace(c.Query("job_id"))
	}
	if jobID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "job id is required",
			"code":    core.SyncErrorBadInput,
		})
	}

	job, err := s.opts.Jobs.GetJob(c.Context(), jobID)
	if err != nil {
		return s.writeError(c, err)
	}

	response := fiber.Map{
		"success":             true,
		"job_id":              job.ID,
		"app_key":             job.AppKey,
		"mode":                string(job.Mode),
		"status":              string(job.Status),
		"resource_types":      job.ResourceTypes,
		"total_tasks":         job.TotalTasks,
		"completed_tasks":     job.CompletedTasks,
		"failed_tasks":        job.FailedTasks,
		"processed_entities":  job.ProcessedEntities,
		"progress_percentage": job.ProgressPercentage(),
		"created_at":          job.CreatedAt.Format(time.RFC3339Nano),
	}
	if job.ErrorMessage != "" {
		response["error_message"] = job.ErrorMessage
	}
	if job.StartedAt != nil {
		response["started_at"] = job.StartedAt.Format(time.RFC3339Nano)
	}
	if job.CompletedAt != nil {
		response["completed_at"] = job.CompletedAt.Format(time.RFC3339Nano)
	}

	if c.QueryBool("include_tasks") {
		tasks, err := s.opts.Jobs.ListTasks(c.Context(), jobID)
		if err != nil {
			return s.writeError(c, err)
		}
		detail := make([]fiber.Map, 0, len(tasks))
		for _, task := range tasks {
			item := fiber.Map{
				"task_id":       task.ID,
				"resource_type": task.ResourceType,
				"status":        string(task.Status),
				"entity_count":  task.EntityCount,
			}
			if task.ErrorMessage != "" {
				item["error_message"] = task.ErrorMessage
			}
			detail = append(detail, item)
		}
		response["tasks"] = detail
	}
	return c.JSON(response)
}

func syncResultPayload(result core.SyncResult) fiber.Map {
	payload := fiber.Map{
		"success":     result.Success,
		"created":     result.Created,
		"updated":     result.Updated,
		"deleted":     result.Deleted,
		"errors":      result.Errors,
		"duration_ms": result.DurationMs,
	}
	if len(result.ErrorMessages) > 0 {
		payload["error_messages"] = result.ErrorMessages
	}
	return payload
}
