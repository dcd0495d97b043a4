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

// EntityStore persists canonical entities keyed on the
// (app_key, collection_key, external_id) triple.
type EntityStore struct {
	db   *bun.DB
	repo repository.Repository[*entityRecord]
}

func NewEntityStore(db *bun.DB) (*EntityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*entityRecord](db, entityHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid entity repository wiring: %w", err)
		}
	}
	return &EntityStore{
		db:   db,
		repo: repo,
	}, nil
}

// UpsertOne is the single atomic conflict-resolving write. A conflict on
// the identity triple refreshes raw_payload, api_version, archived_at and
// updated_at; created_at is preserved, so a returned row with
// created_at == updated_at was freshly inserted.
func (s *EntityStore) UpsertOne(ctx context.Context, entity core.NormalizedEntity) (core.Entity, error) {
	if s == nil || s.db == nil {
		return core.Entity{}, fmt.Errorf("sqlstore: entity store is not configured")
	}
	if err := entity.Identity().Validate(); err != nil {
		return core.Entity{}, err
	}
	now := time.Now().UTC()
	record := newEntityRecord(entity, now)
	record.ID = uuid.NewString()
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (app_key, collection_key, external_id) DO UPDATE").
		Set("raw_payload = EXCLUDED.raw_payload").
		Set("api_version = EXCLUDED.api_version").
		Set("archived_at = EXCLUDED.archived_at").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return core.Entity{}, err
	}
	return record.toDomain(), nil
}

// UpsertBatch applies entities one conflict target at a time; a failure
// mid-batch leaves already-written rows intact and reports how many were
// applied alongside the error.
func (s *EntityStore) UpsertBatch(ctx context.Context, entities []core.NormalizedEntity) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: entity store is not configured")
	}
	applied := 0
	for _, entity := range entities {
		if _, err := s.UpsertOne(ctx, entity); err != nil {
			return applied, fmt.Errorf("sqlstore: batch upsert stopped at item %d: %w", applied, err)
		}
		applied++
	}
	return applied, nil
}

// Delete physically removes the row for an identity. Deleting an identity
// that does not exist is a no-op.
func (s *EntityStore) Delete(ctx context.Context, id core.EntityIdentity) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: entity store is not configured")
	}
	if err := id.Validate(); err != nil {
		return err
	}
	_, err := s.db.NewDelete().
		Model((*entityRecord)(nil)).
		Where("app_key = ?", strings.TrimSpace(id.AppKey)).
		Where("collection_key = ?", strings.TrimSpace(id.CollectionKey)).
		Where("external_id = ?", strings.TrimSpace(id.ExternalID)).
		Exec(ctx)
	return err
}

// DeleteAll removes every entity for an app, optionally scoped to one
// collection, and reports how many rows went away.
func (s *EntityStore) DeleteAll(ctx context.Context, appKey string, collectionKey string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: entity store is not configured")
	}
	appKey = strings.TrimSpace(appKey)
	if appKey == "" {
		return 0, fmt.Errorf("sqlstore: app key is required")
	}
	query := s.db.NewDelete().
		Model((*entityRecord)(nil)).
		Where("app_key = ?", appKey)
	if collectionKey = strings.TrimSpace(collectionKey); collectionKey != "" {
		query = query.Where("collection_key = ?", collectionKey)
	}
	result, err := query.Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *EntityStore) Get(ctx context.Context, id core.EntityIdentity) (core.Entity, error) {
	if s == nil || s.db == nil {
		return core.Entity{}, fmt.Errorf("sqlstore: entity store is not configured")
	}
	if err := id.Validate(); err != nil {
		return core.Entity{}, err
	}
	record := &entityRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("app_key = ?", strings.TrimSpace(id.AppKey)).
		Where("collection_key = ?", strings.TrimSpace(id.CollectionKey)).
		Where("external_id = ?", strings.TrimSpace(id.ExternalID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Entity{}, core.ErrEntityNotFound
		}
		return core.Entity{}, err
	}
	return record.toDomain(), nil
}

// ListExternalIDs returns the current identity set for one collection, the
// input reconciliation compares an authoritative listing against. A
// createdAfter bound scopes the set to rows inside a historical floor.
func (s *EntityStore) ListExternalIDs(ctx context.Context, appKey string, collectionKey string, createdAfter *time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: entity store is not configured")
	}
	appKey = strings.TrimSpace(appKey)
	collectionKey = strings.TrimSpace(collectionKey)
	if appKey == "" || collectionKey == "" {
		return nil, fmt.Errorf("sqlstore: app key and collection key are required")
	}
	var ids []string
	query := s.db.NewSelect().
		Model((*entityRecord)(nil)).
		Column("external_id").
		Where("app_key = ?", appKey).
		Where("collection_key = ?", collectionKey).
		OrderExpr("external_id ASC")
	if createdAfter != nil {
		query = query.Where("created_at > ?", createdAfter.UTC())
	}
	if err := query.Scan(ctx, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

var _ core.EntityStore = (*EntityStore)(nil)
