package core

import (
	"context"
	"testing"
	"time"
)

type stubConnector struct {
	name string
}

func (c stubConnector) Metadata() ConnectorMetadata {
	return ConnectorMetadata{Name: c.name}
}

func (c stubConnector) VerifyWebhook(WebhookRequest, AppConfig) VerificationResult {
	return VerificationResult{Valid: true}
}

func (c stubConnector) ParseWebhookEvent([]byte, AppConfig) (ParsedEvent, error) {
	return ParsedEvent{EventType: EventTypeUpdate, ResourceType: ResourceTypeUnknown}, nil
}

func (c stubConnector) ExtractEntity(ParsedEvent, AppConfig) (*NormalizedEntity, error) {
	return nil, nil
}

func (c stubConnector) NormalizeEntity(string, map[string]any, AppConfig) (NormalizedEntity, error) {
	return NormalizedEntity{}, nil
}

func (c stubConnector) FullSync(context.Context, AppConfig, string, SyncOptions) (SyncResult, error) {
	return SyncResult{Success: true}, nil
}

func TestConnectorRegistry_ListDeterministicOrder(t *testing.T) {
	registry := NewConnectorRegistry()
	for _, name := range []string{"zeta", "alpha", "beta"} {
		if err := registry.Register(name, stubConnector{name: name}); err != nil {
			t.Fatalf("register connector: %v", err)
		}
	}

	listed := registry.List()
	want := []string{"alpha", "beta", "zeta"}
	if len(listed) != len(want) {
		t.Fatalf("expected %d connectors, got %d", len(want), len(listed))
	}
	for idx := range want {
		if listed[idx] != want[idx] {
			t.Fatalf("unexpected ordering at index %d: got %v want %v", idx, listed, want)
		}
	}
}

func TestConnectorRegistry_DuplicateNameRejected(t *testing.T) {
	registry := NewConnectorRegistry()
	if err := registry.Register("stripe", stubConnector{name: "stripe"}); err != nil {
		t.Fatalf("register connector: %v", err)
	}
	if err := registry.Register("Stripe", stubConnector{name: "stripe"}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestConnectorRegistry_NameFallsBackToMetadata(t *testing.T) {
	registry := NewConnectorRegistry()
	if err := registry.Register("", stubConnector{name: "intercom"}); err != nil {
		t.Fatalf("register connector: %v", err)
	}
	if _, ok := registry.Get("intercom"); !ok {
		t.Fatalf("expected metadata name registration")
	}
}

func TestConnectorRegistry_GetIsCaseInsensitive(t *testing.T) {
	registry := NewConnectorRegistry()
	if err := registry.Register("notion", stubConnector{name: "notion"}); err != nil {
		t.Fatalf("register connector: %v", err)
	}
	if _, ok := registry.Get("NOTION"); !ok {
		t.Fatalf("expected case-insensitive lookup")
	}
	if _, ok := registry.Get("missing"); ok {
		t.Fatalf("expected miss for unregistered connector")
	}
}

func TestAppConfigEntryToAppConfig(t *testing.T) {
	entry := AppConfigEntry{
		AppKey:    "app1",
		Connector: "Devkit",
		SyncFrom:  "2025-06-01T00:00:00Z",
	}
	app, err := entry.ToAppConfig()
	if err != nil {
		t.Fatalf("to app config: %v", err)
	}
	if app.Connector != "devkit" {
		t.Fatalf("expected lowered connector name, got %q", app.Connector)
	}
	if app.SyncFrom == nil || !app.SyncFrom.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sync_from: %v", app.SyncFrom)
	}

	entry.SyncFrom = "yesterday"
	if _, err := entry.ToAppConfig(); err == nil {
		t.Fatalf("expected parse failure for malformed sync_from")
	}
}
