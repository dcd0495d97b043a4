package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/rivermouth/estuary/core"
)

type stubAppConfigStore struct {
	mu       sync.Mutex
	app      core.AppConfig
	getCalls int
	getErr   error
}

func (s *stubAppConfigStore) Get(_ context.Context, _ string) (core.AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return core.AppConfig{}, s.getErr
	}
	return cloneAppConfig(s.app), nil
}

func (s *stubAppConfigStore) List(_ context.Context) ([]core.AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []core.AppConfig{cloneAppConfig(s.app)}, nil
}

func TestCachedAppConfigStore_Get_MissFetchThenHit(t *testing.T) {
	cacheService := newTestAppConfigCacheService(t)
	base := &stubAppConfigStore{
		app: core.AppConfig{
			AppKey:        "app1",
			Connector:     "devkit",
			WebhookSecret: "shh",
			Settings:      map[string]any{"region": "eu"},
		},
	}

	store, err := NewCachedAppConfigStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached app config store: %v", err)
	}

	if _, err := store.Get(context.Background(), "app1"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected first get to fetch base store once, got %d", base.getCalls)
	}

	if _, err := store.Get(context.Background(), "app1"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected second get to be cache hit, base get calls=%d", base.getCalls)
	}
}

func TestCachedAppConfigStore_Get_ReturnsCopies(t *testing.T) {
	cacheService := newTestAppConfigCacheService(t)
	base := &stubAppConfigStore{
		app: core.AppConfig{
			AppKey:    "app1",
			Connector: "devkit",
			Resources: []string{"customers"},
			Settings:  map[string]any{"region": "eu"},
		},
	}

	store, err := NewCachedAppConfigStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached app config store: %v", err)
	}

	first, err := store.Get(context.Background(), "app1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Settings["region"] = "us"
	first.Resources[0] = "invoices"

	second, err := store.Get(context.Background(), "app1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second.Settings["region"] != "eu" || second.Resources[0] != "customers" {
		t.Fatalf("expected cached value isolated from caller mutation, got %+v", second)
	}
}

func TestCachedAppConfigStore_Get_PropagatesNotFound(t *testing.T) {
	cacheService := newTestAppConfigCacheService(t)
	base := &stubAppConfigStore{getErr: core.ErrAppConfigNotFound}

	store, err := NewCachedAppConfigStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached app config store: %v", err)
	}

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, core.ErrAppConfigNotFound) {
		t.Fatalf("expected base error propagation, got %v", err)
	}
}

func newTestAppConfigCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
