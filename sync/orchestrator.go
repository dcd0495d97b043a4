package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/rivermouth/estuary/core"
)

// ReconcileSkewGuard pads the historical floor when scoping the identity
// set used for deletion reconciliation. Rows stamped within the guard of
// the floor are ambiguous under clock skew and are never reconciled away.
const ReconcileSkewGuard = time.Hour

// ReconciliationIDs returns the in-window identity set a full sync
// compares the authoritative listing against. With no floor the whole
// collection is in window. The result is never nil, so callers can hand
// it straight to the pagination driver to enable reconciliation.
func ReconciliationIDs(
	ctx context.Context,
	store core.EntityStore,
	app core.AppConfig,
	collectionKey string,
) ([]string, error) {
	var createdAfter *time.Time
	if app.SyncFrom != nil {
		floor := app.SyncFrom.UTC().Add(ReconcileSkewGuard)
		createdAfter = &floor
	}
	ids, err := store.ListExternalIDs(ctx, app.AppKey, collectionKey, createdAfter)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

type StartSyncInput struct {
	AppKey        string
	Mode          core.SyncMode
	ResourceTypes []string
	// Async queues a job with one task per resource instead of running
	// synchronously.
	Async  bool
	Limit  int
	DryRun bool
}

type StartSyncOutput struct {
	// Job is set in async mode.
	Job *core.SyncJob
	// Results carries per-resource outcomes in immediate mode.
	Results map[string]core.SyncResult
	Summary core.SyncResult
}

type OrchestratorOptions struct {
	Apps     core.AppConfigStore
	Registry core.Registry
	States   core.SyncStateStore
	Jobs     core.SyncJobStore
	Logger   core.Logger
	Now      func() time.Time
}

// Orchestrator turns sync requests into per-resource runs (immediate mode)
// or durable jobs (async mode), and owns watermark advancement.
type Orchestrator struct {
	apps     core.AppConfigStore
	registry core.Registry
	states   core.SyncStateStore
	jobs     core.SyncJobStore
	logger   core.Logger
	now      func() time.Time
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Apps == nil {
		return nil, fmt.Errorf("sync: app config store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("sync: connector registry is required")
	}
	if opts.States == nil {
		return nil, fmt.Errorf("sync: sync state store is required")
	}
	if opts.Jobs == nil {
		return nil, fmt.Errorf("sync: sync job store is required")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		apps:     opts.Apps,
		registry: opts.Registry,
		states:   opts.States,
		jobs:     opts.Jobs,
		logger:   glog.Ensure(opts.Logger),
		now:      now,
	}, nil
}

func (o *Orchestrator) StartSync(ctx context.Context, in StartSyncInput) (StartSyncOutput, error) {
	if o == nil {
		return StartSyncOutput{}, fmt.Errorf("sync: orchestrator is not configured")
	}
	mode, err := core.ParseSyncMode(string(in.Mode))
	if err != nil {
		return StartSyncOutput{}, err
	}
	app, connector, err := o.resolve(ctx, in.AppKey)
	if err != nil {
		return StartSyncOutput{}, err
	}
	if err := validateConnectorConfig(connector, app); err != nil {
		return StartSyncOutput{}, err
	}
	resources, err := resolveResources(connector, app, in.ResourceTypes)
	if err != nil {
		return StartSyncOutput{}, err
	}

	if in.Async {
		job, err := o.jobs.CreateJob(ctx, core.CreateSyncJobInput{
			AppKey:        app.AppKey,
			Mode:          mode,
			ResourceTypes: resources,
		})
		if err != nil {
			return StartSyncOutput{}, err
		}
		o.logger.Info("sync job queued",
			"app_key", app.AppKey,
			"job_id", job.ID,
			"mode", string(mode),
			"resources", strings.Join(resources, ","),
		)
		return StartSyncOutput{Job: &job}, nil
	}

	out := StartSyncOutput{
		Results: make(map[string]core.SyncResult, len(resources)),
		Summary: core.SyncResult{Success: true},
	}
	opts := core.SyncOptions{Limit: in.Limit, DryRun: in.DryRun}
	for _, resourceType := range resources {
		result, runErr := o.RunResource(ctx, app.AppKey, resourceType, mode, opts)
		if runErr != nil {
			result.Success = false
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, runErr.Error())
		}
		out.Results[resourceType] = result
		out.Summary.Merge(result)
	}
	return out, nil
}

// RunResource converges one resource. Incremental mode needs connector
// capability, resource support, and an existing watermark; anything
// missing falls back to a full sync. The watermark advances only after a
// fully successful, non-dry run, and to the run's start time so records
// changed mid-run land inside the next window.
func (o *Orchestrator) RunResource(
	ctx context.Context,
	appKey string,
	resourceType string,
	mode core.SyncMode,
	opts core.SyncOptions,
) (core.SyncResult, error) {
	if o == nil {
		return core.SyncResult{}, fmt.Errorf("sync: orchestrator is not configured")
	}
	app, connector, err := o.resolve(ctx, appKey)
	if err != nil {
		return core.SyncResult{}, err
	}
	descriptor, ok := connector.Metadata().Resource(resourceType)
	if !ok {
		return core.SyncResult{}, goerrors.New(
			fmt.Sprintf("sync: connector %q does not support resource %q", app.Connector, resourceType),
			goerrors.CategoryBadInput,
		).WithTextCode(core.SyncErrorBadInput)
	}

	runStart := o.now()
	usedMode := core.SyncModeFull
	var result core.SyncResult
	var runErr error

	if mode == core.SyncModeIncremental {
		if since, ok := o.incrementalSince(ctx, connector, descriptor, app); ok {
			usedMode = core.SyncModeIncremental
			result, runErr = connector.(core.IncrementalConnector).
				IncrementalSync(ctx, app, resourceType, since, opts)
		}
	}
	if usedMode == core.SyncModeFull {
		result, runErr = connector.FullSync(ctx, app, resourceType, opts)
	}

	if runErr == nil && result.Success && !opts.DryRun {
		_, stateErr := o.states.Upsert(ctx, core.SyncState{
			AppKey:        app.AppKey,
			CollectionKey: descriptor.Collection(),
			LastSyncedAt:  runStart,
			LastSyncMetadata: map[string]any{
				"mode":      string(usedMode),
				"created":   result.Created,
				"updated":   result.Updated,
				"deleted":   result.Deleted,
				"completed": o.now().Format(time.RFC3339Nano),
			},
		})
		if stateErr != nil {
			o.logger.Error("sync watermark update failed",
				"app_key", app.AppKey,
				"collection_key", descriptor.Collection(),
				"error", stateErr.Error(),
			)
		}
	}

	o.logger.Info("resource sync finished",
		"app_key", app.AppKey,
		"resource_type", resourceType,
		"mode", string(usedMode),
		"success", runErr == nil && result.Success,
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"duration_ms", result.DurationMs,
	)
	return result, runErr
}

// incrementalSince reports whether an incremental window exists for the
// resource and returns its start.
func (o *Orchestrator) incrementalSince(
	ctx context.Context,
	connector core.Connector,
	descriptor core.ResourceDescriptor,
	app core.AppConfig,
) (time.Time, bool) {
	if !descriptor.SupportsIncremental {
		return time.Time{}, false
	}
	if _, ok := connector.(core.IncrementalConnector); !ok {
		return time.Time{}, false
	}
	state, err := o.states.Get(ctx, app.AppKey, descriptor.Collection())
	if err != nil {
		if !errors.Is(err, core.ErrSyncStateNotFound) {
			o.logger.Error("sync state lookup failed",
				"app_key", app.AppKey,
				"collection_key", descriptor.Collection(),
				"error", err.Error(),
			)
		}
		return time.Time{}, false
	}
	since := state.LastSyncedAt
	if app.SyncFrom != nil && since.Before(*app.SyncFrom) {
		since = *app.SyncFrom
	}
	return since, true
}

func (o *Orchestrator) resolve(ctx context.Context, appKey string) (core.AppConfig, core.Connector, error) {
	app, err := o.apps.Get(ctx, strings.TrimSpace(appKey))
	if err != nil {
		return core.AppConfig{}, nil, err
	}
	connector, ok := o.registry.Get(app.Connector)
	if !ok {
		return core.AppConfig{}, nil, fmt.Errorf("%w: %q", core.ErrConnectorNotFound, app.Connector)
	}
	return app, connector, nil
}

func validateConnectorConfig(connector core.Connector, app core.AppConfig) error {
	validator, ok := connector.(core.ConfigValidator)
	if !ok {
		return nil
	}
	fieldErrors := validator.ValidateConfig(app)
	if len(fieldErrors) == 0 {
		return nil
	}
	details := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		detail := fieldError.Field + ": " + fieldError.Message
		if fieldError.Suggestion != "" {
			detail += " (" + fieldError.Suggestion + ")"
		}
		details = append(details, detail)
	}
	return fmt.Errorf("%w: %s", core.ErrConfigurationInvalid, strings.Join(details, "; "))
}

// resolveResources expands a request's resource list against the connector
// metadata and the app's allow-list. An empty request means every allowed
// resource the connector supports.
func resolveResources(connector core.Connector, app core.AppConfig, requested []string) ([]string, error) {
	metadata := connector.Metadata()
	if len(requested) == 0 {
		var resources []string
		for _, descriptor := range metadata.Resources {
			if app.ResourceAllowed(descriptor.ResourceType) {
				resources = append(resources, descriptor.ResourceType)
			}
		}
		if len(resources) == 0 {
			return nil, goerrors.New(
				fmt.Sprintf("sync: no syncable resources for app %q", app.AppKey),
				goerrors.CategoryBadInput,
			).WithTextCode(core.SyncErrorBadInput)
		}
		return resources, nil
	}

	resources := make([]string, 0, len(requested))
	for _, resourceType := range requested {
		resourceType = strings.TrimSpace(resourceType)
		if resourceType == "" {
			continue
		}
		if _, ok := metadata.Resource(resourceType); !ok {
			return nil, goerrors.New(
				fmt.Sprintf("sync: connector %q does not support resource %q", app.Connector, resourceType),
				goerrors.CategoryBadInput,
			).WithTextCode(core.SyncErrorBadInput)
		}
		if !app.ResourceAllowed(resourceType) {
			return nil, goerrors.New(
				fmt.Sprintf("sync: resource %q is not allowed for app %q", resourceType, app.AppKey),
				goerrors.CategoryBadInput,
			).WithTextCode(core.SyncErrorBadInput)
		}
		resources = append(resources, resourceType)
	}
	if len(resources) == 0 {
		return nil, goerrors.New(
			"sync: at least one resource type is required",
			goerrors.CategoryBadInput,
		).WithTextCode(core.SyncErrorBadInput)
	}
	return resources, nil
}
