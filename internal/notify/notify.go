// Package notify fans content change events out to users the change could
// affect: anyone who has interacted with the item, plus anyone whose
// location falls inside the item's region scope.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jansetu/jansetu/internal/content"
)

// Event describes a content mutation and the users it touches.
type Event struct {
	ContentID       string   `json:"content_id"`
	ChangeType      string   `json:"change_type"` // "created", "updated", "removed"
	AffectedUserIDs []string `json:"affected_user_ids"`
}

// Sink delivers events. Implementations must not block for long; delivery
// runs on the ingestion path.
type Sink interface {
	Deliver(ctx context.Context, ev Event)
}

// LogSink writes events to the structured log. It is the default sink when
// no push transport is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(ctx context.Context, ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("content change",
		"content_id", ev.ContentID,
		"change_type", ev.ChangeType,
		"affected_users", len(ev.AffectedUserIDs))
}

// ProfileSource is the slice of the store the matcher reads.
type ProfileSource interface {
	GetItem(id string) (content.ContentItem, error)
	ListProfiles() ([]content.UserProfile, error)
	GetInteractions(userID string, limit int) ([]content.Interaction, error)
}

// Service matches change events against user profiles and hands them to
// the sink. It satisfies the ingester's Notifier seam.
type Service struct {
	store  ProfileSource
	sink   Sink
	logger *slog.Logger
}

// NewService creates a Service. A nil sink falls back to LogSink.
func NewService(store ProfileSource, sink Sink) *Service {
	if sink == nil {
		sink = &LogSink{}
	}
	return &Service{store: store, sink: sink, logger: slog.Default()}
}

// ContentChanged computes the affected audience for a mutation and delivers
// the event. Matching failures are logged, never propagated: notification
// is best-effort and must not fail the write that triggered it.
func (s *Service) ContentChanged(ctx context.Context, contentID string, changeType string) {
	affected, err := s.affectedUsers(contentID, changeType)
	if err != nil {
		s.logger.Warn("matching notification audience", "content_id", contentID, "error", err)
		return
	}
	s.sink.Deliver(ctx, Event{
		ContentID:       contentID,
		ChangeType:      changeType,
		AffectedUserIDs: affected,
	})
}

func (s *Service) affectedUsers(contentID, changeType string) ([]string, error) {
	var item content.ContentItem
	haveItem := false
	if changeType != "removed" {
		it, err := s.store.GetItem(contentID)
		if err != nil && !errors.Is(err, content.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			item = it
			haveItem = true
		}
	}

	profiles, err := s.store.ListProfiles()
	if err != nil {
		return nil, err
	}

	var affected []string
	for _, p := range profiles {
		if haveItem && item.InRegion(p.Location) {
			affected = append(affected, p.ID)
			continue
		}
		history, err := s.store.GetInteractions(p.ID, 0)
		if err != nil {
			return nil, err
		}
		for _, in := range history {
			if in.ContentID == contentID {
				affected = append(affected, p.ID)
				break
			}
		}
	}
	return affected, nil
}
