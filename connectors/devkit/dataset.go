package devkit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rivermouth/estuary/connectors"
)

// Document is one raw upstream record.
type Document = map[string]any

// Dataset is the fake upstream directory the connector lists from. It is
// safe for concurrent use and behaves like a cursor-paginated provider
// API: stable ordering, opaque cursors, and an updated-since filter.
type Dataset struct {
	mu        sync.Mutex
	resources map[string][]Document
	now       func() time.Time
}

func NewDataset() *Dataset {
	return &Dataset{
		resources: map[string][]Document{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Seed loads documents without disturbing existing ones. Documents
// missing an updated_at are stamped with the current time.
func (d *Dataset) Seed(resourceType string, docs ...Document) {
	for _, doc := range docs {
		d.Put(resourceType, doc)
	}
}

// Put upserts a document by its id field.
func (d *Dataset) Put(resourceType string, doc Document) {
	if d == nil || doc == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := cloneDocument(doc)
	if _, ok := stored["updated_at"]; !ok {
		stored["updated_at"] = d.now().Format(time.RFC3339Nano)
	}
	id := connectors.StringField(stored, "id")
	docs := d.resources[resourceType]
	for i, existing := range docs {
		if id != "" && connectors.StringField(existing, "id") == id {
			docs[i] = stored
			return
		}
	}
	d.resources[resourceType] = append(docs, stored)
}

// Remove drops a document by id, reporting whether it existed.
func (d *Dataset) Remove(resourceType string, id string) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	docs := d.resources[resourceType]
	for i, existing := range docs {
		if connectors.StringField(existing, "id") == id {
			d.resources[resourceType] = append(docs[:i], docs[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dataset) Len(resourceType string) int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.resources[resourceType])
}

// ListPage returns one page of documents changed strictly after since.
// A zero since lists everything. Cursors are opaque offsets into the
// filtered listing; an empty cursor starts from the beginning.
func (d *Dataset) ListPage(
	resourceType string,
	cursor string,
	pageSize int,
	since time.Time,
) ([]Document, bool, string, error) {
	if d == nil {
		return nil, false, "", fmt.Errorf("devkit: dataset is not configured")
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	offset, err := parseCursor(cursor)
	if err != nil {
		return nil, false, "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var filtered []Document
	for _, doc := range d.resources[resourceType] {
		if !since.IsZero() {
			stamp, ok := connectors.TimeField(doc, "updated_at")
			if !ok || !stamp.After(since) {
				continue
			}
		}
		filtered = append(filtered, doc)
	}

	if offset >= len(filtered) {
		return nil, false, "", nil
	}
	end := offset + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	page := make([]Document, 0, end-offset)
	for _, doc := range filtered[offset:end] {
		page = append(page, cloneDocument(doc))
	}
	hasMore := end < len(filtered)
	next := ""
	if hasMore {
		next = "o:" + strconv.Itoa(end)
	}
	return page, hasMore, next, nil
}

func parseCursor(cursor string) (int, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, nil
	}
	raw, ok := strings.CutPrefix(cursor, "o:")
	if !ok {
		return 0, fmt.Errorf("devkit: invalid cursor %q", cursor)
	}
	offset, err := strconv.Atoi(raw)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("devkit: invalid cursor %q", cursor)
	}
	return offset, nil
}

func cloneDocument(doc Document) Document {
	out := make(Document, len(doc))
	for key, value := range doc {
		out[key] = value
	}
	return out
}
