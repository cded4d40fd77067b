package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/storage"
)

// Snapshot is the authoritative state transferred during reconciliation and
// initial cache population.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Items       []SnapshotItem `json:"items"`
}

// SnapshotItem carries one item's version, cache metadata, and full payload.
type SnapshotItem struct {
	ID          string       `json:"id"`
	Version     int64        `json:"version"`
	Tier        content.Tier `json:"tier"`
	LastUpdated time.Time    `json:"last_updated"`
	Payload     []byte       `json:"payload"`
}

// Encoding names for snapshot transfer.
const (
	EncodingZstd     = "zstd"
	EncodingIdentity = "identity"
)

// Fetcher retrieves the authoritative snapshot. accept lists the payload
// encodings the caller can decode, preferred first; the fetcher returns the
// encoding it chose. Bandwidth-constrained transports are expected to pick
// a compressed encoding whenever one is offered.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, accept []string) (payload []byte, encoding string, err error)
}

// EncodeSnapshot serializes a snapshot with the given encoding.
func EncodeSnapshot(s *Snapshot, encoding string) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshalling snapshot: %w", err)
	}
	switch encoding {
	case EncodingIdentity:
		return raw, nil
	case EncodingZstd:
		var buf bytes.Buffer
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			w.Close()
			return nil, fmt.Errorf("compressing snapshot: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("finishing zstd stream: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported snapshot encoding %q", encoding)
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(payload []byte, encoding string) (*Snapshot, error) {
	raw := payload
	switch encoding {
	case EncodingIdentity:
	case EncodingZstd:
		r, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer r.Close()
		raw, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing snapshot: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported snapshot encoding %q", encoding)
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshalling snapshot: %w", err)
	}
	return &s, nil
}

// StoreFetcher serves snapshots straight from the authoritative store.
// It honors the caller's encoding preference order, so a manager that
// advertises zstd gets compressed payloads. Over-the-wire deployments
// implement Fetcher against the content-management collaborator instead.
type StoreFetcher struct {
	store *storage.Store
	now   func() time.Time
}

// NewStoreFetcher creates a Fetcher over the local authoritative store.
func NewStoreFetcher(store *storage.Store) *StoreFetcher {
	return &StoreFetcher{store: store, now: time.Now}
}

// FetchSnapshot builds and encodes the current authoritative snapshot.
func (f *StoreFetcher) FetchSnapshot(ctx context.Context, accept []string) ([]byte, string, error) {
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	items, err := f.store.ListItems()
	if err != nil {
		return nil, "", fmt.Errorf("listing items for snapshot: %w", err)
	}

	snap := Snapshot{GeneratedAt: f.now().UTC(), Items: make([]SnapshotItem, 0, len(items))}
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return nil, "", fmt.Errorf("marshalling item %s: %w", item.ID, err)
		}
		snap.Items = append(snap.Items, SnapshotItem{
			ID:          item.ID,
			Version:     item.Version,
			Tier:        item.Tier,
			LastUpdated: item.LastUpdated,
			Payload:     payload,
		})
	}

	encoding := EncodingIdentity
	for _, e := range accept {
		if e == EncodingZstd {
			encoding = EncodingZstd
			break
		}
		if e == EncodingIdentity {
			break
		}
	}

	encoded, err := EncodeSnapshot(&snap, encoding)
	if err != nil {
		return nil, "", err
	}
	return encoded, encoding, nil
}
