package devkit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rivermouth/estuary/core"
)

type memoryEntityStore struct {
	entities map[string]core.NormalizedEntity
}

func newMemoryEntityStore() *memoryEntityStore {
	return &memoryEntityStore{entities: map[string]core.NormalizedEntity{}}
}

func entityKey(appKey, collectionKey, externalID string) string {
	return appKey + "/" + collectionKey + "/" + externalID
}

func (s *memoryEntityStore) UpsertOne(_ context.Context, entity core.NormalizedEntity) (core.Entity, error) {
	s.entities[entityKey(entity.AppKey, entity.CollectionKey, entity.ExternalID)] = entity
	return core.Entity{
		AppKey:        entity.AppKey,
		CollectionKey: entity.CollectionKey,
		ExternalID:    entity.ExternalID,
		RawPayload:    entity.RawPayload,
	}, nil
}

func (s *memoryEntityStore) UpsertBatch(ctx context.Context, entities []core.NormalizedEntity) (int, error) {
	for i, entity := range entities {
		if _, err := s.UpsertOne(ctx, entity); err != nil {
			return i, err
		}
	}
	return len(entities), nil
}

func (s *memoryEntityStore) Delete(_ context.Context, id core.EntityIdentity) error {
	delete(s.entities, entityKey(id.AppKey, id.CollectionKey, id.ExternalID))
	return nil
}

func (s *memoryEntityStore) DeleteAll(_ context.Context, appKey string, collectionKey string) (int, error) {
	count := 0
	for key, entity := range s.entities {
		if entity.AppKey == appKey && (collectionKey == "" || entity.CollectionKey == collectionKey) {
			delete(s.entities, key)
			count++
		}
	}
	return count, nil
}

func (s *memoryEntityStore) Get(_ context.Context, id core.EntityIdentity) (core.Entity, error) {
	entity, ok := s.entities[entityKey(id.AppKey, id.CollectionKey, id.ExternalID)]
	if !ok {
		return core.Entity{}, core.ErrEntityNotFound
	}
	return core.Entity{
		AppKey:        entity.AppKey,
		CollectionKey: entity.CollectionKey,
		ExternalID:    entity.ExternalID,
		RawPayload:    entity.RawPayload,
	}, nil
}

func (s *memoryEntityStore) ListExternalIDs(_ context.Context, appKey string, collectionKey string, _ *time.Time) ([]string, error) {
	var ids []string
	for _, entity := range s.entities {
		if entity.AppKey == appKey && entity.CollectionKey == collectionKey {
			ids = append(ids, entity.ExternalID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func testApp(secret string) core.AppConfig {
	return core.AppConfig{AppKey: "acme", Connector: ConnectorName, WebhookSecret: secret}
}

func newTestConnector(t *testing.T) (*Connector, *memoryEntityStore) {
	t.Helper()
	store := newMemoryEntityStore()
	connector, err := New(Options{Entities: store})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	return connector, store
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestConnector_VerifyWebhook(t *testing.T) {
	connector, _ := newTestConnector(t)
	body := []byte(`{"event":"customer.created","data":{"id":"c1"}}`)

	request := core.WebhookRequest{
		Body:    body,
		Headers: map[string]string{SignatureHeader: signBody("topsecret", body)},
	}
	if got := connector.VerifyWebhook(request, testApp("topsecret")); !got.Valid {
		t.Fatalf("expected valid signature, got %+v", got)
	}

	tampered := request
	tampered.Body = []byte(`{"event":"customer.created","data":{"id":"evil"}}`)
	if got := connector.VerifyWebhook(tampered, testApp("topsecret")); got.Valid {
		t.Fatalf("tampered body must not verify")
	}

	if got := connector.VerifyWebhook(request, testApp("")); got.Valid {
		t.Fatalf("missing secret must not verify")
	}
}

func TestConnector_ParseWebhookEvent_Taxonomy(t *testing.T) {
	connector, _ := newTestConnector(t)
	app := testApp("s")

	cases := []struct {
		payload      string
		eventType    core.EventType
		resourceType string
	}{
		{`{"event":"customer.created","data":{"id":"c1"}}`, core.EventTypeCreate, ResourceCustomers},
		{`{"event":"customer.updated","data":{"id":"c1"}}`, core.EventTypeUpdate, ResourceCustomers},
		{`{"event":"customer.deleted","data":{"id":"c1"}}`, core.EventTypeDelete, ResourceCustomers},
		{`{"event":"order.archived","data":{"id":"o1"}}`, core.EventTypeArchive, ResourceOrders},
		{`{"event":"invoice.created","data":{"id":"i1"}}`, core.EventTypeUpdate, core.ResourceTypeUnknown},
		{`{"event":"customer.upserted","data":{"id":"c1"}}`, core.EventTypeUpdate, core.ResourceTypeUnknown},
	}
	for _, tc := range cases {
		event, err := connector.ParseWebhookEvent([]byte(tc.payload), app)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.payload, err)
		}
		if event.EventType != tc.eventType || event.ResourceType != tc.resourceType {
			t.Fatalf("payload %s mapped to %s/%s", tc.payload, event.EventType, event.ResourceType)
		}
	}

	if _, err := connector.ParseWebhookEvent([]byte(`not json`), app); err == nil {
		t.Fatalf("malformed payload must error")
	}
}

func TestConnector_NormalizeEntity_IsDeterministic(t *testing.T) {
	connector, _ := newTestConnector(t)
	app := testApp("s")

	raw := map[string]any{"id": "c1", "name": "Acme", "archived_at": "2026-02-01T10:00:00Z"}
	first, err := connector.NormalizeEntity(ResourceCustomers, raw, app)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	second, err := connector.NormalizeEntity(ResourceCustomers, raw, app)
	if err != nil {
		t.Fatalf("normalize again: %v", err)
	}
	if first.ArchivedAt == nil || second.ArchivedAt == nil || !first.ArchivedAt.Equal(*second.ArchivedAt) {
		t.Fatalf("archived_at must be derived deterministically: %v vs %v", first.ArchivedAt, second.ArchivedAt)
	}
	if first.ExternalID != "c1" || first.CollectionKey != ResourceCustomers {
		t.Fatalf("unexpected identity: %+v", first)
	}
	if first.APIVersion != defaultAPIVersion {
		t.Fatalf("expected default api version, got %q", first.APIVersion)
	}

	live, err := connector.NormalizeEntity(ResourceCustomers, map[string]any{"id": "c2"}, app)
	if err != nil {
		t.Fatalf("normalize live: %v", err)
	}
	if live.ArchivedAt != nil {
		t.Fatalf("live document must not be archived")
	}

	if _, err := connector.NormalizeEntity(ResourceCustomers, map[string]any{"name": "no id"}, app); err == nil {
		t.Fatalf("document without id must error")
	}
}

func TestConnector_FullSyncConvergesAndReconciles(t *testing.T) {
	connector, store := newTestConnector(t)
	app := testApp("s")

	for i := 1; i <= 3; i++ {
		connector.Dataset().Put(ResourceCustomers, Document{"id": fmt.Sprintf("c%d", i)})
	}
	// A row the upstream no longer knows about.
	if _, err := store.UpsertOne(context.Background(), core.NormalizedEntity{
		AppKey: app.AppKey, CollectionKey: ResourceCustomers, ExternalID: "gone",
	}); err != nil {
		t.Fatalf("seed stale row: %v", err)
	}

	result, err := connector.FullSync(context.Background(), app, ResourceCustomers, core.SyncOptions{})
	if err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if !result.Success || result.Created != 3 || result.Deleted != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	ids, err := store.ListExternalIDs(context.Background(), app.AppKey, ResourceCustomers, nil)
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	want := []string{"c1", "c2", "c3"}
	if len(ids) != len(want) {
		t.Fatalf("expected converged ids %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected converged ids %v, got %v", want, ids)
		}
	}
}

func TestConnector_FullSyncPaginatesWithSettingsPageSize(t *testing.T) {
	connector, _ := newTestConnector(t)
	app := testApp("s")
	app.Settings = map[string]any{"page_size": float64(2)}

	for i := 1; i <= 5; i++ {
		connector.Dataset().Put(ResourceOrders, Document{"id": fmt.Sprintf("o%d", i)})
	}
	result, err := connector.FullSync(context.Background(), app, ResourceOrders, core.SyncOptions{})
	if err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if !result.Success || result.Created != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestConnector_IncrementalSyncNeverDeletes(t *testing.T) {
	connector, store := newTestConnector(t)
	app := testApp("s")
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	connector.Dataset().Put(ResourceCustomers, Document{
		"id": "old", "updated_at": since.Add(-time.Hour).Format(time.RFC3339Nano),
	})
	connector.Dataset().Put(ResourceCustomers, Document{
		"id": "fresh", "updated_at": since.Add(time.Hour).Format(time.RFC3339Nano),
	})
	if _, err := store.UpsertOne(context.Background(), core.NormalizedEntity{
		AppKey: app.AppKey, CollectionKey: ResourceCustomers, ExternalID: "gone",
	}); err != nil {
		t.Fatalf("seed stale row: %v", err)
	}

	result, err := connector.IncrementalSync(context.Background(), app, ResourceCustomers, since, core.SyncOptions{})
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if !result.Success || result.Deleted != 0 {
		t.Fatalf("incremental run must not delete: %+v", result)
	}
	if result.Updated+result.Created != 1 {
		t.Fatalf("expected only the fresh document, got %+v", result)
	}
	if _, err := store.Get(context.Background(), core.EntityIdentity{
		AppKey: app.AppKey, CollectionKey: ResourceCustomers, ExternalID: "gone",
	}); err != nil {
		t.Fatalf("row absent from the window must survive: %v", err)
	}

	if _, err := connector.IncrementalSync(
		context.Background(), app, ResourceOrders, since, core.SyncOptions{}); err == nil {
		t.Fatalf("orders do not support incremental sync")
	}
}

func TestConnector_ValidateConfig(t *testing.T) {
	connector, _ := newTestConnector(t)

	app := testApp("s")
	if errs := connector.ValidateConfig(app); len(errs) != 0 {
		t.Fatalf("defaults must validate, got %v", errs)
	}

	app.Settings = map[string]any{"page_size": float64(0), "api_version": ""}
	errs := connector.ValidateConfig(app)
	if len(errs) != 2 {
		t.Fatalf("expected two field errors, got %v", errs)
	}
	for _, fieldErr := range errs {
		if fieldErr.Suggestion == "" {
			t.Fatalf("field errors carry remediation: %+v", fieldErr)
		}
	}
}

func TestDataset_ListPageCursors(t *testing.T) {
	dataset := NewDataset()
	for i := 1; i <= 5; i++ {
		dataset.Put(ResourceCustomers, Document{"id": fmt.Sprintf("c%d", i)})
	}

	var collected []string
	cursor := ""
	for {
		docs, hasMore, next, err := dataset.ListPage(ResourceCustomers, cursor, 2, time.Time{})
		if err != nil {
			t.Fatalf("list page: %v", err)
		}
		for _, doc := range docs {
			collected = append(collected, doc["id"].(string))
		}
		if !hasMore {
			break
		}
		cursor = next
	}
	if len(collected) != 5 {
		t.Fatalf("expected all documents across pages, got %v", collected)
	}

	if _, _, _, err := dataset.ListPage(ResourceCustomers, "bogus", 2, time.Time{}); err == nil {
		t.Fatalf("invalid cursor must error")
	}
}
