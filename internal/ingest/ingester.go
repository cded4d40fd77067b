// Package ingest accepts batches of curated content, validates each item,
// commits accepted items to the store, and queues the embedding work so
// the write path never waits on vectorization.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/storage"
)

// JobTypeIndex is the queue type for re-embedding a content item.
const JobTypeIndex = "index_content"

// ItemResult reports the fate of one item in a batch. Validation failures
// reject the single item, never the batch.
type ItemResult struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Version  int64  `json:"version,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ContentWriter is the slice of the store the ingester needs.
type ContentWriter interface {
	UpsertItem(item content.ContentItem) (int64, bool, error)
	DeleteItem(id string) error
	EnqueueJob(job storage.Job) error
}

// Notifier receives change events for accepted items. May be nil.
type Notifier interface {
	ContentChanged(ctx context.Context, contentID string, changeType string)
}

// Ingester validates and commits content batches.
type Ingester struct {
	store    ContentWriter
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Ingester. notifier may be nil.
func New(store ContentWriter, notifier Notifier) *Ingester {
	return &Ingester{
		store:    store,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

type indexPayload struct {
	ContentID string `json:"content_id"`
}

// IngestBatch validates, commits, and queues indexing for each item in the
// batch independently. The returned slice has one result per input item, in
// input order. The error return covers infrastructure failures only.
func (in *Ingester) IngestBatch(ctx context.Context, items []content.ContentItem) ([]ItemResult, error) {
	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		res := ItemResult{ID: item.ID}

		if err := content.Validate(&item); err != nil {
			res.Error = err.Error()
			results = append(results, res)
			in.logger.Warn("item rejected", "content_id", item.ID, "error", err)
			continue
		}

		version, existed, err := in.store.UpsertItem(item)
		if err != nil {
			return results, fmt.Errorf("committing item %s: %w", item.ID, err)
		}
		res.Accepted = true
		res.Version = version
		results = append(results, res)

		if err := in.enqueueIndex(item.ID); err != nil {
			return results, err
		}

		if in.notifier != nil {
			changeType := "created"
			if existed {
				changeType = "updated"
			}
			in.notifier.ContentChanged(ctx, item.ID, changeType)
		}
	}
	return results, nil
}

// Remove deletes an item from the store and notifies subscribers. The
// index's own rows go with the next worker pass or an explicit Remove on
// the index, which callers wire at the API layer.
func (in *Ingester) Remove(ctx context.Context, contentID string) error {
	if err := in.store.DeleteItem(contentID); err != nil {
		return err
	}
	if in.notifier != nil {
		in.notifier.ContentChanged(ctx, contentID, "removed")
	}
	return nil
}

func (in *Ingester) enqueueIndex(contentID string) error {
	payload, err := json.Marshal(indexPayload{ContentID: contentID})
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	now := in.now().UTC()
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeIndex,
		PayloadJSON: string(payload),
		Status:      "pending",
		MaxAttempts: 5,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := in.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("queueing index job for %s: %w", contentID, err)
	}
	return nil
}
