// Package devkit is a fully functional in-memory provider integration.
// It exercises the whole connector contract against a scripted upstream
// dataset, which makes it the reference implementation for new connectors
// and the fixture provider for engine and API tests.
package devkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rivermouth/estuary/connectors"
	"github.com/rivermouth/estuary/core"
	enginesync "github.com/rivermouth/estuary/sync"
	"github.com/rivermouth/estuary/webhooks"
)

const (
	ConnectorName = "devkit"

	// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
	SignatureHeader = "X-Devkit-Signature"
	signaturePrefix = "sha256="

	ResourceCustomers = "customers"
	ResourceOrders    = "orders"

	defaultAPIVersion = "2026-01"
	defaultPageSize   = 100
)

type Options struct {
	// Entities receives synced records; required.
	Entities core.EntityStore
	// Dataset is the fake upstream. A fresh empty one is created when nil.
	Dataset *Dataset
	Now     func() time.Time
}

type Connector struct {
	entities core.EntityStore
	dataset  *Dataset
	now      func() time.Time
}

func New(opts Options) (*Connector, error) {
	if opts.Entities == nil {
		return nil, fmt.Errorf("devkit: entity store is required")
	}
	dataset := opts.Dataset
	if dataset == nil {
		dataset = NewDataset()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Connector{entities: opts.Entities, dataset: dataset, now: now}, nil
}

// Dataset exposes the fake upstream for seeding.
func (c *Connector) Dataset() *Dataset {
	if c == nil {
		return nil
	}
	return c.dataset
}

func (c *Connector) Metadata() core.ConnectorMetadata {
	return core.ConnectorMetadata{
		Name: ConnectorName,
		Resources: []core.ResourceDescriptor{
			{ResourceType: ResourceCustomers, SupportsIncremental: true, SupportsWebhooks: true},
			{ResourceType: ResourceOrders, SupportsWebhooks: true},
		},
	}
}

func (c *Connector) VerifyWebhook(req core.WebhookRequest, app core.AppConfig) core.VerificationResult {
	if strings.TrimSpace(app.WebhookSecret) == "" {
		return core.VerificationResult{Valid: false, Reason: "webhook secret is not configured"}
	}
	verifier := webhooks.HeaderHMACVerifier{
		Header: SignatureHeader,
		Prefix: signaturePrefix,
		Secret: app.WebhookSecret,
	}
	if err := verifier.Verify(req); err != nil {
		return core.VerificationResult{Valid: false, Reason: "signature verification failed"}
	}
	return core.VerificationResult{Valid: true}
}

// webhookEnvelope is the provider wire shape: "customer.created" style
// event names with the record inline.
type webhookEnvelope struct {
	Event      string         `json:"event"`
	Data       map[string]any `json:"data"`
	OccurredAt string         `json:"occurred_at"`
}

func (c *Connector) ParseWebhookEvent(payload []byte, app core.AppConfig) (core.ParsedEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return core.ParsedEvent{}, fmt.Errorf("devkit: parse webhook payload: %w", err)
	}

	event := core.ParsedEvent{
		OriginalEventType: envelope.Event,
		Data:              envelope.Data,
		ExternalID:        connectors.StringField(envelope.Data, "id"),
	}
	if stamp, ok := connectors.TimeField(map[string]any{"occurred_at": envelope.OccurredAt}, "occurred_at"); ok {
		event.Timestamp = stamp
	}

	subject, action, ok := strings.Cut(strings.TrimSpace(envelope.Event), ".")
	resourceType, known := resourceForSubject(subject)
	eventType, knownAction := eventForAction(action)
	if !ok || !known || !knownAction {
		event.EventType = core.EventTypeUpdate
		event.ResourceType = core.ResourceTypeUnknown
		return event, nil
	}

	event.EventType = eventType
	event.ResourceType = resourceType
	return event, nil
}

func (c *Connector) ExtractEntity(event core.ParsedEvent, app core.AppConfig) (*core.NormalizedEntity, error) {
	if event.EventType == core.EventTypeDelete || event.ResourceType == core.ResourceTypeUnknown {
		return nil, nil
	}
	entity, err := c.NormalizeEntity(event.ResourceType, event.Data, app)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (c *Connector) NormalizeEntity(resourceType string, raw map[string]any, app core.AppConfig) (core.NormalizedEntity, error) {
	externalID := connectors.StringField(raw, "id")
	if externalID == "" {
		return core.NormalizedEntity{}, fmt.Errorf("devkit: document has no id")
	}
	descriptor, _ := c.Metadata().Resource(resourceType)
	collection := descriptor.Collection()
	if collection == "" {
		collection = resourceType
	}
	return core.NormalizedEntity{
		AppKey:        app.AppKey,
		CollectionKey: collection,
		ExternalID:    externalID,
		APIVersion:    connectors.SettingString(app.Settings, "api_version", defaultAPIVersion),
		RawPayload:    raw,
		ArchivedAt:    connectors.ArchivedAt(raw),
	}, nil
}

func (c *Connector) FullSync(ctx context.Context, app core.AppConfig, resourceType string, opts core.SyncOptions) (core.SyncResult, error) {
	descriptor, ok := c.Metadata().Resource(resourceType)
	if !ok {
		return core.SyncResult{}, fmt.Errorf("devkit: unsupported resource %q", resourceType)
	}
	existing, err := enginesync.ReconciliationIDs(ctx, c.entities, app, descriptor.Collection())
	if err != nil {
		return core.SyncResult{}, fmt.Errorf("devkit: load identity set: %w", err)
	}
	return c.run(ctx, app, descriptor, time.Time{}, existing, opts), nil
}

// IncrementalSync lists only documents changed after since and never
// reconciles deletions: absence from a partial window proves nothing.
func (c *Connector) IncrementalSync(ctx context.Context, app core.AppConfig, resourceType string, since time.Time, opts core.SyncOptions) (core.SyncResult, error) {
	descriptor, ok := c.Metadata().Resource(resourceType)
	if !ok {
		return core.SyncResult{}, fmt.Errorf("devkit: unsupported resource %q", resourceType)
	}
	if !descriptor.SupportsIncremental {
		return core.SyncResult{}, fmt.Errorf("devkit: resource %q does not support incremental sync", resourceType)
	}
	return c.run(ctx, app, descriptor, since, nil, opts), nil
}

func (c *Connector) ValidateConfig(app core.AppConfig) []core.FieldError {
	var errs []core.FieldError
	if _, present := app.Settings["page_size"]; present {
		if connectors.SettingInt(app.Settings, "page_size", 0) <= 0 {
			errs = append(errs, core.FieldError{
				Field:      "settings.page_size",
				Message:    "must be a positive integer",
				Suggestion: "remove the setting to use the default of 100",
			})
		}
	}
	if value, present := app.Settings["api_version"]; present {
		version, ok := value.(string)
		if !ok || strings.TrimSpace(version) == "" {
			errs = append(errs, core.FieldError{
				Field:      "settings.api_version",
				Message:    "must be a non-empty string",
				Suggestion: fmt.Sprintf("use %q or remove the setting", defaultAPIVersion),
			})
		}
	}
	return errs
}

func (c *Connector) run(
	ctx context.Context,
	app core.AppConfig,
	descriptor core.ResourceDescriptor,
	since time.Time,
	existing []string,
	opts core.SyncOptions,
) core.SyncResult {
	pageSize := connectors.SettingInt(app.Settings, "page_size", defaultPageSize)
	return enginesync.Paginate(ctx, enginesync.PaginateParams{
		ListPage: func(_ context.Context, cursor string) (enginesync.Page, error) {
			docs, hasMore, next, err := c.dataset.ListPage(descriptor.ResourceType, cursor, pageSize, since)
			if err != nil {
				return enginesync.Page{}, err
			}
			return enginesync.Page{Data: docs, HasMore: hasMore, NextCursor: next}, nil
		},
		GetID: func(item map[string]any) (string, error) {
			id := connectors.StringField(item, "id")
			if id == "" {
				return "", fmt.Errorf("document has no id")
			}
			return id, nil
		},
		Normalize: func(item map[string]any) (core.NormalizedEntity, error) {
			return c.NormalizeEntity(descriptor.ResourceType, item, app)
		},
		Store:         c.entities,
		AppKey:        app.AppKey,
		CollectionKey: descriptor.Collection(),
		ExistingIDs:   existing,
		Limit:         opts.Limit,
		Deadline:      opts.Deadline,
		DryRun:        opts.DryRun,
		OnProgress:    opts.OnProgress,
	})
}

func resourceForSubject(subject string) (string, bool) {
	switch strings.TrimSpace(strings.ToLower(subject)) {
	case "customer", "customers":
		return ResourceCustomers, true
	case "order", "orders":
		return ResourceOrders, true
	default:
		return "", false
	}
}

func eventForAction(action string) (core.EventType, bool) {
	switch strings.TrimSpace(strings.ToLower(action)) {
	case "created":
		return core.EventTypeCreate, true
	case "updated":
		return core.EventTypeUpdate, true
	case "deleted":
		return core.EventTypeDelete, true
	case "archived":
		return core.EventTypeArchive, true
	default:
		return "", false
	}
}

var (
	_ core.Connector            = (*Connector)(nil)
	_ core.IncrementalConnector = (*Connector)(nil)
	_ core.ConfigValidator      = (*Connector)(nil)
)
