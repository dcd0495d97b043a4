package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// ResourceDescriptor declares one resource a connector can sync.
type ResourceDescriptor struct {
	// ResourceType is the provider-side name, e.g. "customers".
	ResourceType string
	// CollectionKey is the canonical collection entities land in. Defaults
	// to ResourceType when empty.
	CollectionKey string
	SupportsIncremental bool
	SupportsWebhooks    bool
}

func (d ResourceDescriptor) Collection() string {
	if d.CollectionKey != "" {
		return d.CollectionKey
	}
	return d.ResourceType
}

// ConnectorMetadata describes a provider integration.
type ConnectorMetadata struct {
	Name      string
	Resources []ResourceDescriptor
}

func (m ConnectorMetadata) Resource(resourceType string) (ResourceDescriptor, bool) {
	for _, descriptor := range m.Resources {
		if descriptor.ResourceType == resourceType {
			return descriptor, true
		}
	}
	return ResourceDescriptor{}, false
}

// WebhookRequest is the raw inbound webhook before verification. Body is
// untrusted until a verifier has accepted it.
type WebhookRequest struct {
	AppKey   string
	Headers  map[string]string
	Body     []byte
	ClientIP string
	Metadata map[string]any
}

// VerificationResult reports a signature check. Reason carries a generic
// failure cause; it must never include signature material.
type VerificationResult struct {
	Valid  bool
	Reason string
}

// SyncOptions bound one resource sync run.
type SyncOptions struct {
	// Limit caps items fetched; zero means unbounded.
	Limit int
	// DryRun counts work without writing to the store.
	DryRun bool
	// Deadline is the cooperative execution budget; a connector should
	// return a partial result rather than run past it.
	Deadline *time.Time
	// OnProgress is invoked with the running processed count as pages
	// complete. Long runs depend on it for liveness signals.
	OnProgress func(processed int)
}

// Connector is the contract every provider integration implements.
// Optional capabilities are expressed as extension interfaces below and
// feature-detected by type assertion.
type Connector interface {
	Metadata() ConnectorMetadata

	// VerifyWebhook authenticates the raw request. It must run before any
	// payload parsing: the check is a pure function of raw body, secret,
	// and headers.
	VerifyWebhook(req WebhookRequest, app AppConfig) VerificationResult

	// ParseWebhookEvent maps the provider event taxonomy onto the four
	// canonical event types. Unrecognized event types degrade to update
	// with ResourceTypeUnknown instead of returning an error.
	ParseWebhookEvent(payload []byte, app AppConfig) (ParsedEvent, error)

	// ExtractEntity returns the normalized entity carried by an event, or
	// nil for delete events and unrecognized resources.
	ExtractEntity(event ParsedEvent, app AppConfig) (*NormalizedEntity, error)

	// NormalizeEntity is a pure function from a raw provider document to
	// the canonical shape. ArchivedAt must be set deterministically from
	// the document's own soft-delete fields.
	NormalizeEntity(resourceType string, raw map[string]any, app AppConfig) (NormalizedEntity, error)

	// FullSync fetches and converges the entire resource, including
	// deletion reconciliation when no historical floor hides it.
	FullSync(ctx context.Context, app AppConfig, resourceType string, opts SyncOptions) (SyncResult, error)
}

// IncrementalConnector fetches only records changed since a watermark. An
// incremental run never performs deletion reconciliation: absence from a
// partial window is not evidence of deletion.
type IncrementalConnector interface {
	IncrementalSync(ctx context.Context, app AppConfig, resourceType string, since time.Time, opts SyncOptions) (SyncResult, error)
}

// MultiEntityExtractor handles provider events that carry several entities.
type MultiEntityExtractor interface {
	ExtractEntities(event ParsedEvent, app AppConfig) ([]NormalizedEntity, error)
}

// FieldError is a field-level configuration diagnostic.
type FieldError struct {
	Field      string
	Message    string
	Suggestion string
}

// ConfigValidator validates an app's connector settings before any
// operation runs for that app instance.
type ConfigValidator interface {
	ValidateConfig(app AppConfig) []FieldError
}

// EntityStore is the canonical storage contract. Upserts are keyed on the
// identity triple and atomic per row; deletes are idempotent no-ops when
// the row is already gone.
type EntityStore interface {
	UpsertOne(ctx context.Context, entity NormalizedEntity) (Entity, error)
	UpsertBatch(ctx context.Context, entities []NormalizedEntity) (int, error)
	Delete(ctx context.Context, id EntityIdentity) error
	DeleteAll(ctx context.Context, appKey string, collectionKey string) (int, error)
	Get(ctx context.Context, id EntityIdentity) (Entity, error)
	ListExternalIDs(ctx context.Context, appKey string, collectionKey string, createdAfter *time.Time) ([]string, error)
}

// SyncStateStore tracks per (app_key, collection_key) watermarks. Updated
// only after a resource's sync completes successfully.
type SyncStateStore interface {
	Get(ctx context.Context, appKey string, collectionKey string) (SyncState, error)
	Upsert(ctx context.Context, state SyncState) (SyncState, error)
}

// CreateSyncJobInput creates a job and its tasks in one atomic write.
type CreateSyncJobInput struct {
	AppKey        string
	Mode          SyncMode
	ResourceTypes []string
}

// TaskCompletion records a finished task run.
type TaskCompletion struct {
	TaskID       string
	EntityCount  int
	Cursor       string
	ErrorMessage string
}

// SyncJobStore is the durable work-breakdown of sync requests. ClaimNextTask
// is the sole concurrency-control primitive: a conditional
// pending -> processing update that exactly one caller wins.
type SyncJobStore interface {
	CreateJob(ctx context.Context, in CreateSyncJobInput) (SyncJob, error)
	GetJob(ctx context.Context, jobID string) (SyncJob, error)
	ListTasks(ctx context.Context, jobID string) ([]SyncJobTask, error)

	// ClaimNextTask claims one pending task, optionally scoped to a job.
	// ok is false when no pending task exists; losing a concurrent claim
	// on the same task is not an error, the caller simply gets the next
	// candidate or nothing.
	ClaimNextTask(ctx context.Context, jobID string) (task SyncJobTask, ok bool, err error)

	CompleteTask(ctx context.Context, completion TaskCompletion) error
	FailTask(ctx context.Context, completion TaskCompletion) error
	Heartbeat(ctx context.Context, taskID string) error

	// RecomputeJobStatus derives the job status from its tasks and rolls
	// the counters up; returns the refreshed job.
	RecomputeJobStatus(ctx context.Context, jobID string) (SyncJob, error)

	// ReclaimStalled fails tasks stuck processing with no heartbeat since
	// the cutoff, so a crashed worker cannot strand a job.
	ReclaimStalled(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteFinishedBefore removes terminal jobs (tasks cascade) older
	// than the cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)

	CancelJob(ctx context.Context, jobID string) (SyncJob, error)
}

// AppConfigStore resolves configured provider instances. Read-only to the
// engine; rows are seeded from configuration.
type AppConfigStore interface {
	Get(ctx context.Context, appKey string) (AppConfig, error)
	List(ctx context.Context) ([]AppConfig, error)
}

// Registry is the startup-time connector registry.
type Registry interface {
	Register(name string, connector Connector) error
	Get(name string) (Connector, bool)
	List() []string
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
