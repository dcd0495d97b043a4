// Package sync implements the pull half of the engine: the generic
// cursor-pagination driver, the orchestrator that turns sync requests into
// per-resource runs or queued jobs, and the worker loop that executes
// queued tasks under an execution budget.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rivermouth/estuary/core"
)

// Page is one slice of an upstream listing.
type Page struct {
	Data       []map[string]any
	HasMore    bool
	NextCursor string
}

// ListPageFunc fetches one page. An empty cursor requests the first page.
type ListPageFunc func(ctx context.Context, cursor string) (Page, error)

// PaginateParams parameterizes one resource convergence run.
type PaginateParams struct {
	ListPage  ListPageFunc
	GetID     func(item map[string]any) (string, error)
	Normalize func(item map[string]any) (core.NormalizedEntity, error)
	Store     core.EntityStore

	AppKey        string
	CollectionKey string

	// ExistingIDs is the full current in-window identity set for the
	// resource. Deletion reconciliation runs only when it is non-nil.
	ExistingIDs []string
	// Limit caps fetched items; zero means unbounded. A run truncated by
	// the limit never reconciles deletions: the listing was not complete.
	Limit int
	// Deadline truncates the run cooperatively, same consequence as Limit.
	Deadline   *time.Time
	DryRun     bool
	OnProgress func(processed int)
}

// Paginate drives a cursor-based listing to convergence: fetch pages,
// normalize and upsert each batch, then reconcile deletions against the
// authoritative listing. A page failure aborts the loop but the result is
// non-throwing: counts reflect completed pages and Success turns false,
// so callers retry the whole resource.
func Paginate(ctx context.Context, params PaginateParams) core.SyncResult {
	startedAt := time.Now()
	result := core.SyncResult{Success: true}
	defer func() {
		result.DurationMs = time.Since(startedAt).Milliseconds()
	}()

	if params.ListPage == nil || params.GetID == nil || params.Normalize == nil {
		return failResult(result, "paginate: list, id, and normalize functions are required")
	}
	if !params.DryRun && params.Store == nil {
		return failResult(result, "paginate: entity store is required")
	}

	existing := map[string]struct{}{}
	for _, id := range params.ExistingIDs {
		existing[id] = struct{}{}
	}

	seen := map[string]struct{}{}
	cursor := ""
	fetched := 0
	truncated := false

	for {
		if err := ctx.Err(); err != nil {
			return failResult(result, fmt.Sprintf("paginate: %v", err))
		}
		if params.Deadline != nil && !time.Now().Before(*params.Deadline) {
			truncated = true
			break
		}

		page, err := params.ListPage(ctx, cursor)
		if err != nil {
			return failResult(result, fmt.Sprintf("paginate: list page: %v", err))
		}

		items := page.Data
		if params.Limit > 0 && fetched+len(items) > params.Limit {
			items = items[:params.Limit-fetched]
			truncated = true
		}
		fetched += len(items)

		batch := make([]core.NormalizedEntity, 0, len(items))
		for _, item := range items {
			externalID, idErr := params.GetID(item)
			if idErr != nil {
				result.Errors++
				result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("paginate: extract id: %v", idErr))
				continue
			}
			entity, normErr := params.Normalize(item)
			if normErr != nil {
				result.Errors++
				result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("paginate: normalize %s: %v", externalID, normErr))
				continue
			}
			entity.ExternalID = externalID
			seen[externalID] = struct{}{}
			batch = append(batch, entity)
		}

		for _, entity := range batch {
			if _, ok := existing[entity.ExternalID]; ok {
				result.Updated++
			} else {
				result.Created++
			}
		}
		if !params.DryRun && len(batch) > 0 {
			applied, upsertErr := params.Store.UpsertBatch(ctx, batch)
			if upsertErr != nil {
				// Rows written before the failure stand; the counters only
				// cover what was actually applied.
				rollbackCounts(&result, batch[applied:], existing)
				return failResult(result, fmt.Sprintf("paginate: upsert batch: %v", upsertErr))
			}
		}
		if params.OnProgress != nil {
			params.OnProgress(result.Processed())
		}

		if truncated || !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	// Reconciliation needs the complete authoritative listing: skip it
	// whenever the caller gave no identity set or the run was truncated.
	if params.ExistingIDs != nil && !truncated {
		for id := range existing {
			if _, ok := seen[id]; ok {
				continue
			}
			if !params.DryRun {
				err := params.Store.Delete(ctx, core.EntityIdentity{
					AppKey:        params.AppKey,
					CollectionKey: params.CollectionKey,
					ExternalID:    id,
				})
				if err != nil {
					result.Errors++
					result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("paginate: delete %s: %v", id, err))
					result.Success = false
					continue
				}
			}
			result.Deleted++
		}
	}

	return result
}

func failResult(result core.SyncResult, message string) core.SyncResult {
	result.Success = false
	result.Errors++
	result.ErrorMessages = append(result.ErrorMessages, message)
	return result
}

func rollbackCounts(result *core.SyncResult, notApplied []core.NormalizedEntity, existing map[string]struct{}) {
	for _, entity := range notApplied {
		if _, ok := existing[entity.ExternalID]; ok {
			result.Updated--
		} else {
			result.Created--
		}
	}
}
