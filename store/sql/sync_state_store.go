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

// SyncStateStore tracks the per (app_key, collection_key) watermark. At
// most one row exists per key.
type SyncStateStore struct {
	db   *bun.DB
	repo repository.Repository[*syncStateRecord]
}

func NewSyncStateStore(db *bun.DB) (*SyncStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*syncStateRecord](db, syncStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid sync state repository wiring: %w", err)
		}
	}
	return &SyncStateStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *SyncStateStore) Get(ctx context.Context, appKey string, collectionKey string) (core.SyncState, error) {
	if s == nil || s.db == nil {
		return core.SyncState{}, fmt.Errorf("sqlstore: sync state store is not configured")
	}
	appKey = strings.TrimSpace(appKey)
	collectionKey = strings.TrimSpace(collectionKey)
	if appKey == "" || collectionKey == "" {
		return core.SyncState{}, fmt.Errorf("sqlstore: app key and collection key are required")
	}
	record := &syncStateRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("app_key = ?", appKey).
		Where("collection_key = ?", collectionKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.SyncState{}, core.ErrSyncStateNotFound
		}
		return core.SyncState{}, err
	}
	return record.toDomain(), nil
}

// Upsert inserts or advances a watermark. A unique violation on insert
// means another writer created the row first; the update path then runs
// against the winner's row.
func (s *SyncStateStore) Upsert(ctx context.Context, state core.SyncState) (core.SyncState, error) {
	if s == nil || s.db == nil {
		return core.SyncState{}, fmt.Errorf("sqlstore: sync state store is not configured")
	}
	state.AppKey = strings.TrimSpace(state.AppKey)
	state.CollectionKey = strings.TrimSpace(state.CollectionKey)
	if state.AppKey == "" || state.CollectionKey == "" {
		return core.SyncState{}, fmt.Errorf("sqlstore: app key and collection key are required")
	}
	now := time.Now().UTC()

	var out core.SyncState
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findSyncStateTx(ctx, tx, state.AppKey, state.CollectionKey)
		if err != nil {
			return err
		}
		if record == nil {
			record = newSyncStateRecord(state, now)
			record.ID = uuid.NewString()
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				if isUniqueViolation(insertErr) {
					record, err = findSyncStateTx(ctx, tx, state.AppKey, state.CollectionKey)
					if err != nil {
						return err
					}
					if record == nil {
						return insertErr
					}
				} else {
					return insertErr
				}
			} else {
				out = record.toDomain()
				return nil
			}
		}
		record.LastSyncedAt = state.LastSyncedAt.UTC()
		record.LastSyncMetadata = copyAnyMap(state.LastSyncMetadata)
		record.UpdatedAt = now
		if _, updateErr := tx.NewUpdate().
			Model(record).
			Column("last_synced_at", "last_sync_metadata", "updated_at").
			WherePK().
			Exec(ctx); updateErr != nil {
			return updateErr
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.SyncState{}, err
	}
	return out, nil
}

func findSyncStateTx(ctx context.Context, tx bun.Tx, appKey string, collectionKey string) (*syncStateRecord, error) {
	record := &syncStateRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("app_key = ?", appKey).
		Where("collection_key = ?", collectionKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

var _ core.SyncStateStore = (*SyncStateStore)(nil)
