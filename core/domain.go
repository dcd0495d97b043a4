package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAppConfigNotFound           = errors.New("core: app config not found")
	ErrConnectorNotFound           = errors.New("core: connector not registered")
	ErrEntityNotFound              = errors.New("core: entity not found")
	ErrSyncStateNotFound           = errors.New("core: sync state not found")
	ErrSyncJobNotFound             = errors.New("core: sync job not found")
	ErrSyncTaskNotFound            = errors.New("core: sync task not found")
	ErrInvalidSyncMode             = errors.New("core: invalid sync mode")
	ErrInvalidAppKey               = errors.New("core: invalid app key")
	ErrInvalidJobStatusTransition  = errors.New("core: invalid sync job status transition")
	ErrInvalidTaskStatusTransition = errors.New("core: invalid sync task status transition")
	ErrWebhookRejected             = errors.New("core: webhook verification failed")
	ErrConfigurationInvalid        = errors.New("core: connector configuration invalid")
)

// EventType is the canonical webhook event taxonomy every provider-specific
// event type maps onto.
type EventType string

const (
	EventTypeCreate  EventType = "create"
	EventTypeUpdate  EventType = "update"
	EventTypeDelete  EventType = "delete"
	EventTypeArchive EventType = "archive"
)

// Entity is one synced record. Identity is the (AppKey, CollectionKey,
// ExternalID) triple; all writes are upserts keyed on it.
type Entity struct {
	ID            string
	AppKey        string
	CollectionKey string
	ExternalID    string
	APIVersion    string
	RawPayload    map[string]any
	ArchivedAt    *time.Time
	DeletedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Identity returns the idempotency key triple.
func (e Entity) Identity() EntityIdentity {
	return EntityIdentity{
		AppKey:        e.AppKey,
		CollectionKey: e.CollectionKey,
		ExternalID:    e.ExternalID,
	}
}

type EntityIdentity struct {
	AppKey        string
	CollectionKey string
	ExternalID    string
}

func (id EntityIdentity) Validate() error {
	if strings.TrimSpace(id.AppKey) == "" {
		return fmt.Errorf("core: app key is required")
	}
	if strings.TrimSpace(id.CollectionKey) == "" {
		return fmt.Errorf("core: collection key is required")
	}
	if strings.TrimSpace(id.ExternalID) == "" {
		return fmt.Errorf("core: external id is required")
	}
	return nil
}

// NormalizedEntity is the connector output shape before storage. It exists
// only in memory between the connector and the entity store.
type NormalizedEntity struct {
	AppKey        string
	CollectionKey string
	ExternalID    string
	APIVersion    string
	RawPayload    map[string]any
	ArchivedAt    *time.Time
}

func (n NormalizedEntity) Identity() EntityIdentity {
	return EntityIdentity{
		AppKey:        n.AppKey,
		CollectionKey: n.CollectionKey,
		ExternalID:    n.ExternalID,
	}
}

// AppConfig is one configured instance of a provider. It is owned by
// external configuration and read-only to the engine.
type AppConfig struct {
	AppKey    string
	Connector string
	// WebhookSecret feeds signature verification; never logged.
	WebhookSecret string
	// Resources restricts syncing to a subset of the connector's supported
	// resources. Empty means all.
	Resources []string
	// SyncFrom bounds historical backfill; entities older than this floor
	// are outside the sync window.
	SyncFrom *time.Time
	Settings  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a AppConfig) Validate() error {
	if strings.TrimSpace(a.AppKey) == "" {
		return fmt.Errorf("%w: empty app key", ErrInvalidAppKey)
	}
	if strings.TrimSpace(a.Connector) == "" {
		return fmt.Errorf("core: connector name is required for app %q", a.AppKey)
	}
	return nil
}

// ResourceAllowed reports whether the app's allow-list admits a resource.
func (a AppConfig) ResourceAllowed(resourceType string) bool {
	if len(a.Resources) == 0 {
		return true
	}
	resourceType = strings.TrimSpace(strings.ToLower(resourceType))
	for _, allowed := range a.Resources {
		if strings.TrimSpace(strings.ToLower(allowed)) == resourceType {
			return true
		}
	}
	return false
}

// SyncState is the per (app_key, collection_key) watermark bounding
// incremental pulls. At most one row per key.
type SyncState struct {
	AppKey        string
	CollectionKey string
	LastSyncedAt  time.Time
	// LastSyncMetadata carries the opaque cursor or page token the last
	// successful run finished on.
	LastSyncMetadata map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

func ParseSyncMode(mode string) (SyncMode, error) {
	switch SyncMode(strings.TrimSpace(strings.ToLower(mode))) {
	case SyncModeFull, "":
		return SyncModeFull, nil
	case SyncModeIncremental:
		return SyncModeIncremental, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSyncMode, mode)
	}
}

type SyncJobStatus string

const (
	SyncJobStatusPending    SyncJobStatus = "pending"
	SyncJobStatusProcessing SyncJobStatus = "processing"
	SyncJobStatusCompleted  SyncJobStatus = "completed"
	SyncJobStatusFailed     SyncJobStatus = "failed"
	SyncJobStatusCancelled  SyncJobStatus = "cancelled"
)

// SyncJob is one sync request's lifecycle. Status is a pure function of its
// tasks' statuses except for the externally requested cancelled state.
type SyncJob struct {
	ID                string
	AppKey            string
	Mode              SyncMode
	ResourceTypes     []string
	Status            SyncJobStatus
	TotalTasks        int
	CompletedTasks    int
	FailedTasks       int
	ProcessedEntities int
	ErrorMessage      string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

func (j *SyncJob) TransitionTo(status SyncJobStatus, now time.Time) error {
	if j == nil {
		return nil
	}
	if j.Status == status {
		return nil
	}
	if !syncJobTransitionAllowed(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidJobStatusTransition, j.Status, status)
	}
	j.Status = status
	switch status {
	case SyncJobStatusProcessing:
		if j.StartedAt == nil {
			startedAt := now
			j.StartedAt = &startedAt
		}
	case SyncJobStatusCompleted, SyncJobStatusFailed, SyncJobStatusCancelled:
		completedAt := now
		j.CompletedAt = &completedAt
	}
	return nil
}

func (j SyncJob) Terminal() bool {
	switch j.Status {
	case SyncJobStatusCompleted, SyncJobStatusFailed, SyncJobStatusCancelled:
		return true
	}
	return false
}

// ProgressPercentage reports completed work as 0-100. Failed tasks do not
// count as progress; a failed job ends below 100 unless every task
// completed before the failure was recorded.
func (j SyncJob) ProgressPercentage() int {
	if j.TotalTasks <= 0 {
		return 0
	}
	if j.CompletedTasks >= j.TotalTasks {
		return 100
	}
	return j.CompletedTasks * 100 / j.TotalTasks
}

func syncJobTransitionAllowed(current, next SyncJobStatus) bool {
	allowed := map[SyncJobStatus]map[SyncJobStatus]struct{}{
		SyncJobStatusPending: {
			SyncJobStatusProcessing: {},
			SyncJobStatusCancelled:  {},
		},
		SyncJobStatusProcessing: {
			SyncJobStatusCompleted: {},
			SyncJobStatusFailed:    {},
			SyncJobStatusCancelled: {},
		},
		SyncJobStatusCompleted: {},
		SyncJobStatusFailed:    {},
		SyncJobStatusCancelled: {},
	}
	_, ok := allowed[current][next]
	return ok
}

type SyncTaskStatus string

const (
	SyncTaskStatusPending    SyncTaskStatus = "pending"
	SyncTaskStatusProcessing SyncTaskStatus = "processing"
	SyncTaskStatusCompleted  SyncTaskStatus = "completed"
	SyncTaskStatusFailed     SyncTaskStatus = "failed"
)

// SyncJobTask is one resource-type unit of work within a job. The claim is
// the pending -> processing conditional transition; terminal once
// completed or failed.
type SyncJobTask struct {
	ID            string
	JobID         string
	ResourceType  string
	Status        SyncTaskStatus
	EntityCount   int
	Cursor        string
	LastHeartbeat *time.Time
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

func (t *SyncJobTask) TransitionTo(status SyncTaskStatus, now time.Time) error {
	if t == nil {
		return nil
	}
	if t.Status == status {
		return nil
	}
	if !syncTaskTransitionAllowed(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTaskStatusTransition, t.Status, status)
	}
	t.Status = status
	switch status {
	case SyncTaskStatusProcessing:
		startedAt := now
		t.StartedAt = &startedAt
		t.LastHeartbeat = &startedAt
	case SyncTaskStatusCompleted, SyncTaskStatusFailed:
		completedAt := now
		t.CompletedAt = &completedAt
	}
	return nil
}

func syncTaskTransitionAllowed(current, next SyncTaskStatus) bool {
	allowed := map[SyncTaskStatus]map[SyncTaskStatus]struct{}{
		SyncTaskStatusPending: {
			SyncTaskStatusProcessing: {},
		},
		SyncTaskStatusProcessing: {
			SyncTaskStatusCompleted: {},
			SyncTaskStatusFailed:    {},
		},
		SyncTaskStatusCompleted: {},
		SyncTaskStatusFailed:    {},
	}
	_, ok := allowed[current][next]
	return ok
}

func (t SyncJobTask) Terminal() bool {
	return t.Status == SyncTaskStatusCompleted || t.Status == SyncTaskStatusFailed
}

// DeriveJobStatus computes the job status the task set implies. Cancelled is
// externally requested and never derived.
func DeriveJobStatus(tasks []SyncJobTask) SyncJobStatus {
	if len(tasks) == 0 {
		return SyncJobStatusPending
	}
	terminal := 0
	failed := 0
	claimed := 0
	for _, task := range tasks {
		if task.Terminal() {
			terminal++
		}
		if task.Status == SyncTaskStatusFailed {
			failed++
		}
		if task.Status != SyncTaskStatusPending {
			claimed++
		}
	}
	if terminal == len(tasks) {
		if failed > 0 {
			return SyncJobStatusFailed
		}
		return SyncJobStatusCompleted
	}
	if claimed > 0 {
		return SyncJobStatusProcessing
	}
	return SyncJobStatusPending
}

// ParsedEvent is a provider webhook payload mapped onto the canonical
// taxonomy. Unrecognized provider event types degrade to update with
// ResourceTypeUnknown rather than failing.
type ParsedEvent struct {
	EventType         EventType
	OriginalEventType string
	ResourceType      string
	ExternalID        string
	Data              map[string]any
	Timestamp         time.Time
}

const ResourceTypeUnknown = "unknown"

// SyncResult reports one resource sync run. A failed run still carries the
// counts of work completed before the failure.
type SyncResult struct {
	Success       bool
	Created       int
	Updated       int
	Deleted       int
	Errors        int
	ErrorMessages []string
	DurationMs    int64
}

// Merge folds another result into this one, used when aggregating
// per-resource runs into a request-level summary.
func (r *SyncResult) Merge(other SyncResult) {
	if r == nil {
		return
	}
	r.Created += other.Created
	r.Updated += other.Updated
	r.Deleted += other.Deleted
	r.Errors += other.Errors
	r.ErrorMessages = append(r.ErrorMessages, other.ErrorMessages...)
	r.DurationMs += other.DurationMs
	if !other.Success {
		r.Success = false
	}
}

// Processed returns the entity volume a run touched, used for job counters.
func (r SyncResult) Processed() int {
	return r.Created + r.Updated + r.Deleted
}
