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

// AppConfigStore resolves configured provider instances by app key. Rows
// are seeded from configuration at startup; the engine only reads them.
type AppConfigStore struct {
	db   *bun.DB
	repo repository.Repository[*appConfigRecord]
}

func NewAppConfigStore(db *bun.DB) (*AppConfigStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*appConfigRecord](db, appConfigHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid app config repository wiring: %w", err)
		}
	}
	return &AppConfigStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *AppConfigStore) Get(ctx context.Context, appKey string) (core.AppConfig, error) {
	if s == nil || s.db == nil {
		return core.AppConfig{}, fmt.Errorf("sqlstore: app config store is not configured")
	}
	appKey = strings.TrimSpace(appKey)
	if appKey == "" {
		return core.AppConfig{}, core.ErrAppConfigNotFound
	}
	record := &appConfigRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("app_key = ?", appKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.AppConfig{}, core.ErrAppConfigNotFound
		}
		return core.AppConfig{}, err
	}
	return record.toDomain(), nil
}

func (s *AppConfigStore) List(ctx context.Context) ([]core.AppConfig, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: app config store is not configured")
	}
	var records []appConfigRecord
	err := s.db.NewSelect().
		Model(&records).
		OrderExpr("app_key ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	apps := make([]core.AppConfig, 0, len(records))
	for i := range records {
		apps = append(apps, records[i].toDomain())
	}
	return apps, nil
}

// Seed writes configured app instances, replacing any previous row for the
// same app key. Run once at startup before the engine serves traffic.
func (s *AppConfigStore) Seed(ctx context.Context, apps []core.AppConfig) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: app config store is not configured")
	}
	now := time.Now().UTC()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, app := range apps {
			if err := app.Validate(); err != nil {
				return err
			}
			record := &appConfigRecord{
				ID:            uuid.NewString(),
				AppKey:        strings.TrimSpace(app.AppKey),
				Connector:     strings.TrimSpace(app.Connector),
				WebhookSecret: app.WebhookSecret,
				Resources:     dedupeStrings(app.Resources),
				Settings:      copyAnyMap(app.Settings),
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if app.SyncFrom != nil {
				syncFrom := app.SyncFrom.UTC()
				record.SyncFrom = &syncFrom
			}
			if _, err := tx.NewInsert().
				Model(record).
				On("CONFLICT (app_key) DO UPDATE").
				Set("connector = EXCLUDED.connector").
				Set("webhook_secret = EXCLUDED.webhook_secret").
				Set("resources = EXCLUDED.resources").
				Set("sync_from = EXCLUDED.sync_from").
				Set("settings = EXCLUDED.settings").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ core.AppConfigStore = (*AppConfigStore)(nil)
