package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type entityRecord struct {
	bun.BaseModel `bun:"table:entities,alias:en"`

	ID            string         `bun:"id,pk"`
	AppKey        string         `bun:"app_key,notnull"`
	CollectionKey string         `bun:"collection_key,notnull"`
	ExternalID    string         `bun:"external_id,notnull"`
	APIVersion    string         `bun:"api_version"`
	RawPayload    map[string]any `bun:"raw_payload,type:jsonb,notnull"`
	ArchivedAt    *time.Time     `bun:"archived_at,nullzero"`
	DeletedAt     *time.Time     `bun:"deleted_at,nullzero"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type syncStateRecord struct {
	bun.BaseModel `bun:"table:sync_state,alias:ss"`

	ID               string         `bun:"id,pk"`
	AppKey           string         `bun:"app_key,notnull"`
	CollectionKey    string         `bun:"collection_key,notnull"`
	LastSyncedAt     time.Time      `bun:"last_synced_at,notnull"`
	LastSyncMetadata map[string]any `bun:"last_sync_metadata,type:jsonb,notnull"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type syncJobRecord struct {
	bun.BaseModel `bun:"table:sync_jobs,alias:sj"`

	ID                string     `bun:"id,pk"`
	AppKey            string     `bun:"app_key,notnull"`
	Mode              string     `bun:"mode,notnull"`
	ResourceTypes     []string   `bun:"resource_types,type:jsonb,notnull"`
	Status            string     `bun:"status,notnull"`
	TotalTasks        int        `bun:"total_tasks,notnull"`
	CompletedTasks    int        `bun:"completed_tasks,notnull"`
	FailedTasks       int        `bun:"failed_tasks,notnull"`
	ProcessedEntities int        `bun:"processed_entities,notnull"`
	ErrorMessage      string     `bun:"error_message"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	StartedAt         *time.Time `bun:"started_at,nullzero"`
	CompletedAt       *time.Time `bun:"completed_at,nullzero"`
}

type syncJobTaskRecord struct {
	bun.BaseModel `bun:"table:sync_job_tasks,alias:sjt"`

	ID            string     `bun:"id,pk"`
	JobID         string     `bun:"job_id,notnull"`
	ResourceType  string     `bun:"resource_type,notnull"`
	Status        string     `bun:"status,notnull"`
	EntityCount   int        `bun:"entity_count,notnull"`
	Cursor        string     `bun:"cursor"`
	LastHeartbeat *time.Time `bun:"last_heartbeat,nullzero"`
	ErrorMessage  string     `bun:"error_message"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	StartedAt     *time.Time `bun:"started_at,nullzero"`
	CompletedAt   *time.Time `bun:"completed_at,nullzero"`
}

type appConfigRecord struct {
	bun.BaseModel `bun:"table:app_configs,alias:ac"`

	ID            string         `bun:"id,pk"`
	AppKey        string         `bun:"app_key,notnull"`
	Connector     string         `bun:"connector,notnull"`
	WebhookSecret string         `bun:"webhook_secret,notnull"`
	Resources     []string       `bun:"resources,type:jsonb,notnull"`
	SyncFrom      *time.Time     `bun:"sync_from,nullzero"`
	Settings      map[string]any `bun:"settings,type:jsonb,notnull"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
