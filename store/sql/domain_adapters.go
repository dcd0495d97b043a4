package sqlstore

import (
	"strings"
	"time"

	"github.com/rivermouth/estuary/core"
)

func newEntityRecord(in core.NormalizedEntity, now time.Time) *entityRecord {
	record := &entityRecord{
		AppKey:        strings.TrimSpace(in.AppKey),
		CollectionKey: strings.TrimSpace(in.CollectionKey),
		ExternalID:    strings.TrimSpace(in.ExternalID),
		APIVersion:    strings.TrimSpace(in.APIVersion),
		RawPayload:    copyAnyMap(in.RawPayload),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.ArchivedAt != nil {
		archivedAt := in.ArchivedAt.UTC()
		record.ArchivedAt = &archivedAt
	}
	return record
}

func (r *entityRecord) toDomain() core.Entity {
	if r == nil {
		return core.Entity{}
	}
	entity := core.Entity{
		ID:            r.ID,
		AppKey:        r.AppKey,
		CollectionKey: r.CollectionKey,
		ExternalID:    r.ExternalID,
		APIVersion:    r.APIVersion,
		RawPayload:    copyAnyMap(r.RawPayload),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ArchivedAt != nil {
		archivedAt := *r.ArchivedAt
		entity.ArchivedAt = &archivedAt
	}
	if r.DeletedAt != nil {
		deletedAt := *r.DeletedAt
		entity.DeletedAt = &deletedAt
	}
	return entity
}

func newSyncStateRecord(in core.SyncState, now time.Time) *syncStateRecord {
	return &syncStateRecord{
		AppKey:           strings.TrimSpace(in.AppKey),
		CollectionKey:    strings.TrimSpace(in.CollectionKey),
		LastSyncedAt:     in.LastSyncedAt.UTC(),
		LastSyncMetadata: copyAnyMap(in.LastSyncMetadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (r *syncStateRecord) toDomain() core.SyncState {
	if r == nil {
		return core.SyncState{}
	}
	return core.SyncState{
		AppKey:           r.AppKey,
		CollectionKey:    r.CollectionKey,
		LastSyncedAt:     r.LastSyncedAt,
		LastSyncMetadata: copyAnyMap(r.LastSyncMetadata),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (r *syncJobRecord) toDomain() core.SyncJob {
	if r == nil {
		return core.SyncJob{}
	}
	job := core.SyncJob{
		ID:                r.ID,
		AppKey:            r.AppKey,
		Mode:              core.SyncMode(r.Mode),
		ResourceTypes:     append([]string(nil), r.ResourceTypes...),
		Status:            core.SyncJobStatus(r.Status),
		TotalTasks:        r.TotalTasks,
		CompletedTasks:    r.CompletedTasks,
		FailedTasks:       r.FailedTasks,
		ProcessedEntities: r.ProcessedEntities,
		ErrorMessage:      r.ErrorMessage,
		CreatedAt:         r.CreatedAt,
	}
	if r.StartedAt != nil {
		startedAt := *r.StartedAt
		job.StartedAt = &startedAt
	}
	if r.CompletedAt != nil {
		completedAt := *r.CompletedAt
		job.CompletedAt = &completedAt
	}
	return job
}

func (r *syncJobTaskRecord) toDomain() core.SyncJobTask {
	if r == nil {
		return core.SyncJobTask{}
	}
	task := core.SyncJobTask{
		ID:           r.ID,
		JobID:        r.JobID,
		ResourceType: r.ResourceType,
		Status:       core.SyncTaskStatus(r.Status),
		EntityCount:  r.EntityCount,
		Cursor:       r.Cursor,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
	}
	if r.LastHeartbeat != nil {
		heartbeat := *r.LastHeartbeat
		task.LastHeartbeat = &heartbeat
	}
	if r.StartedAt != nil {
		startedAt := *r.StartedAt
		task.StartedAt = &startedAt
	}
	if r.CompletedAt != nil {
		completedAt := *r.CompletedAt
		task.CompletedAt = &completedAt
	}
	return task
}

func (r *appConfigRecord) toDomain() core.AppConfig {
	if r == nil {
		return core.AppConfig{}
	}
	app := core.AppConfig{
		AppKey:        r.AppKey,
		Connector:     r.Connector,
		WebhookSecret: r.WebhookSecret,
		Resources:     append([]string(nil), r.Resources...),
		Settings:      copyAnyMap(r.Settings),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.SyncFrom != nil {
		syncFrom := *r.SyncFrom
		app.SyncFrom = &syncFrom
	}
	return app
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
