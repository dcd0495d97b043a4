package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/rivermouth/estuary/core"
)

// ProcessResult summarizes one accepted webhook.
type ProcessResult struct {
	AppKey            string
	Connector         string
	EventType         core.EventType
	OriginalEventType string
	ResourceType      string
	ExternalIDs       []string
	Applied           int
	Skipped           bool
	SkipReason        string
}

type ProcessorOptions struct {
	Apps     core.AppConfigStore
	Registry core.Registry
	Entities core.EntityStore
	Limiter  RateLimiter
	Logger   core.Logger
	Now      func() time.Time
}

// Processor runs the webhook ingestion pipeline: resolve app, resolve
// connector, rate limit, verify, parse, extract, apply. Each stage is
// terminal; a failed stage stops the request with nothing applied.
type Processor struct {
	apps     core.AppConfigStore
	registry core.Registry
	entities core.EntityStore
	limiter  RateLimiter
	logger   core.Logger
	now      func() time.Time
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Apps == nil {
		return nil, fmt.Errorf("webhooks: app config store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("webhooks: connector registry is required")
	}
	if opts.Entities == nil {
		return nil, fmt.Errorf("webhooks: entity store is required")
	}
	logger := glog.Ensure(opts.Logger)
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		apps:     opts.Apps,
		registry: opts.Registry,
		entities: opts.Entities,
		limiter:  opts.Limiter,
		logger:   logger,
		now:      now,
	}, nil
}

func (p *Processor) Process(ctx context.Context, req core.WebhookRequest) (ProcessResult, error) {
	if p == nil {
		return ProcessResult{}, fmt.Errorf("webhooks: processor is not configured")
	}
	appKey := strings.TrimSpace(req.AppKey)
	if appKey == "" {
		return ProcessResult{}, core.ErrInvalidAppKey
	}
	result := ProcessResult{AppKey: appKey}

	app, err := p.apps.Get(ctx, appKey)
	if err != nil {
		return result, err
	}
	connector, ok := p.registry.Get(app.Connector)
	if !ok {
		return result, fmt.Errorf("%w: %q", core.ErrConnectorNotFound, app.Connector)
	}
	result.Connector = app.Connector

	if p.limiter != nil {
		decision := p.limiter.Allow(appKey)
		if !decision.Allow {
			return result, goerrors.New("webhook rate limit exceeded", goerrors.CategoryRateLimit).
				WithCode(http.StatusTooManyRequests).
				WithTextCode(core.SyncErrorRateLimited).
				WithMetadata(map[string]any{
					"retry_after_seconds": int(decision.RetryAfter.Seconds()),
				})
		}
	}

	// Verification is a pure function of raw body, secret, and headers.
	// Nothing downstream runs, and nothing is parsed, until it passes.
	verification := connector.VerifyWebhook(req, app)
	if !verification.Valid {
		p.logger.Error("webhook rejected",
			"app_key", appKey,
			"connector", app.Connector,
			"reason", verification.Reason,
		)
		return result, core.ErrWebhookRejected
	}

	event, err := connector.ParseWebhookEvent(req.Body, app)
	if err != nil {
		return result, fmt.Errorf("webhooks: parse event: %w", err)
	}
	result.EventType = event.EventType
	result.OriginalEventType = event.OriginalEventType
	result.ResourceType = event.ResourceType

	if event.ResourceType == core.ResourceTypeUnknown {
		result.Skipped = true
		result.SkipReason = "unrecognized event type"
		p.logger.Info("webhook ignored",
			"app_key", appKey,
			"connector", app.Connector,
			"original_event_type", event.OriginalEventType,
		)
		return result, nil
	}
	if !app.ResourceAllowed(event.ResourceType) {
		result.Skipped = true
		result.SkipReason = "resource not allowed for app"
		return result, nil
	}

	applied, externalIDs, err := p.apply(ctx, connector, app, event)
	result.Applied = applied
	result.ExternalIDs = externalIDs
	if err != nil {
		return result, err
	}

	p.logger.Info("webhook processed",
		"app_key", appKey,
		"connector", app.Connector,
		"event_type", string(event.EventType),
		"resource_type", event.ResourceType,
		"applied", applied,
	)
	return result, nil
}

func (p *Processor) apply(
	ctx context.Context,
	connector core.Connector,
	app core.AppConfig,
	event core.ParsedEvent,
) (int, []string, error) {
	if event.EventType == core.EventTypeDelete {
		identity := core.EntityIdentity{
			AppKey:        app.AppKey,
			CollectionKey: collectionFor(connector, event.ResourceType),
			ExternalID:    event.ExternalID,
		}
		if err := identity.Validate(); err != nil {
			return 0, nil, err
		}
		if err := p.entities.Delete(ctx, identity); err != nil {
			return 0, nil, err
		}
		return 1, []string{identity.ExternalID}, nil
	}

	entities, err := p.extract(connector, app, event)
	if err != nil {
		return 0, nil, err
	}
	if len(entities) == 0 {
		return 0, nil, nil
	}

	// Archive stamps come from the event itself so redelivery of the same
	// webhook converges on the same store state.
	archivedAt := event.Timestamp
	if archivedAt.IsZero() {
		archivedAt = p.now()
	}
	applied := 0
	externalIDs := make([]string, 0, len(entities))
	for _, entity := range entities {
		if event.EventType == core.EventTypeArchive && entity.ArchivedAt == nil {
			entity.ArchivedAt = &archivedAt
		}
		if _, err := p.entities.UpsertOne(ctx, entity); err != nil {
			return applied, externalIDs, err
		}
		applied++
		externalIDs = append(externalIDs, entity.ExternalID)
	}
	return applied, externalIDs, nil
}

func (p *Processor) extract(
	connector core.Connector,
	app core.AppConfig,
	event core.ParsedEvent,
) ([]core.NormalizedEntity, error) {
	if multi, ok := connector.(core.MultiEntityExtractor); ok {
		return multi.ExtractEntities(event, app)
	}
	entity, err := connector.ExtractEntity(event, app)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, nil
	}
	return []core.NormalizedEntity{*entity}, nil
}

func collectionFor(connector core.Connector, resourceType string) string {
	if descriptor, ok := connector.Metadata().Resource(resourceType); ok {
		return descriptor.Collection()
	}
	return resourceType
}
