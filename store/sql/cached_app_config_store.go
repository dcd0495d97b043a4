package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/rivermouth/estuary/core"
)

const appConfigCacheKeyPrefix = "estuary::app_config::v1"

// CachedAppConfigStore fronts the database lookup with a read-through
// cache. App configs change only at startup, so every webhook paying a
// database round trip for the same row is waste.
type CachedAppConfigStore struct {
	base  core.AppConfigStore
	cache repositorycache.CacheService
}

func NewCachedAppConfigStore(
	base core.AppConfigStore,
	cacheService repositorycache.CacheService,
) (*CachedAppConfigStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base app config store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: app config cache service is required")
	}
	return &CachedAppConfigStore{base: base, cache: cacheService}, nil
}

// AppConfigCacheKey is the deterministic cache key contract for app config
// reads: estuary::app_config::v1::<app_key>, URL-path escaped.
func AppConfigCacheKey(appKey string) (string, error) {
	appKey = strings.TrimSpace(appKey)
	if appKey == "" {
		return "", core.ErrAppConfigNotFound
	}
	return appConfigCacheKeyPrefix + "::" + url.PathEscape(appKey), nil
}

func (s *CachedAppConfigStore) Get(ctx context.Context, appKey string) (core.AppConfig, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.AppConfig{}, fmt.Errorf("sqlstore: cached app config store is not configured")
	}
	cacheKey, err := AppConfigCacheKey(appKey)
	if err != nil {
		return core.AppConfig{}, err
	}
	app, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.AppConfig, error) {
		fetched, fetchErr := s.base.Get(ctx, appKey)
		if fetchErr != nil {
			return core.AppConfig{}, fetchErr
		}
		return cloneAppConfig(fetched), nil
	})
	if err != nil {
		return core.AppConfig{}, err
	}
	return cloneAppConfig(app), nil
}

// List always goes to the base store; it runs off the request path.
func (s *CachedAppConfigStore) List(ctx context.Context) ([]core.AppConfig, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached app config store is not configured")
	}
	return s.base.List(ctx)
}

func cloneAppConfig(app core.AppConfig) core.AppConfig {
	out := app
	out.Resources = append([]string(nil), app.Resources...)
	out.Settings = copyAnyMap(app.Settings)
	if app.SyncFrom != nil {
		syncFrom := *app.SyncFrom
		out.SyncFrom = &syncFrom
	}
	return out
}

var _ core.AppConfigStore = (*CachedAppConfigStore)(nil)
