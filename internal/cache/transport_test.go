package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/storage"
)

func TestSnapshotEncodingRoundTrip(t *testing.T) {
	snap := &Snapshot{
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		Items: []SnapshotItem{
			snapItem("a", 1, content.TierEssential, time.Hour),
			snapItem("b", 4, content.TierNormal, time.Minute),
		},
	}

	for _, encoding := range []string{EncodingIdentity, EncodingZstd} {
		payload, err := EncodeSnapshot(snap, encoding)
		if err != nil {
			t.Fatalf("%s encode: %v", encoding, err)
		}
		decoded, err := DecodeSnapshot(payload, encoding)
		if err != nil {
			t.Fatalf("%s decode: %v", encoding, err)
		}
		if len(decoded.Items) != 2 || decoded.Items[0].ID != "a" {
			t.Errorf("%s round trip lost items: %+v", encoding, decoded.Items)
		}
	}

	if _, err := EncodeSnapshot(snap, "gzip"); err == nil {
		t.Error("unknown encoding should be rejected")
	}
	if _, err := DecodeSnapshot(nil, "gzip"); err == nil {
		t.Error("unknown encoding should be rejected on decode")
	}
}

func TestStoreFetcher_EncodingNegotiation(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	item := content.ContentItem{
		ID:        "crop-insurance",
		Type:      content.TypeScheme,
		Languages: []string{"en"},
		Title:     map[string]string{"en": "Crop insurance"},
		Summary:   map[string]string{"en": "Premium subsidy"},
		Tier:      content.TierEssential,
	}
	if _, _, err := store.UpsertItem(item); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	f := NewStoreFetcher(store)

	payload, encoding, err := f.FetchSnapshot(context.Background(), []string{EncodingZstd, EncodingIdentity})
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if encoding != EncodingZstd {
		t.Errorf("encoding = %s, want zstd when offered", encoding)
	}
	// zstd magic number.
	if !bytes.HasPrefix(payload, []byte{0x28, 0xb5, 0x2f, 0xfd}) {
		t.Error("payload is not a zstd frame")
	}
	snap, err := DecodeSnapshot(payload, encoding)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(snap.Items) != 1 || snap.Items[0].ID != "crop-insurance" {
		t.Errorf("snapshot items = %+v", snap.Items)
	}
	if snap.Items[0].Version < 1 {
		t.Errorf("snapshot item carries version %d, want the assigned version", snap.Items[0].Version)
	}

	_, encoding, err = f.FetchSnapshot(context.Background(), []string{EncodingIdentity, EncodingZstd})
	if err != nil {
		t.Fatalf("FetchSnapshot identity: %v", err)
	}
	if encoding != EncodingIdentity {
		t.Errorf("encoding = %s, want identity when preferred", encoding)
	}
}

func TestStoreApplyAndEnumeration(t *testing.T) {
	store := openTestCache(t)

	now := time.Now().UTC()
	changes := Changes{Upserts: []Entry{
		{ContentID: "e1", Version: 1, Tier: content.TierEssential, CachedAt: now.Add(-2 * time.Hour), Payload: []byte(`{}`)},
		{ContentID: "e2", Version: 1, Tier: content.TierEssential, CachedAt: now, Payload: []byte(`{}`)},
		{ContentID: "n1", Version: 1, Tier: content.TierNormal, CachedAt: now, Payload: []byte(`{}`)},
	}}
	if err := store.Apply(changes); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	n, err := store.Count()
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v; want 3", n, err)
	}

	essentials, err := store.ListByTier(content.TierEssential)
	if err != nil {
		t.Fatalf("ListByTier: %v", err)
	}
	if len(essentials) != 2 || essentials[0].ContentID != "e2" {
		t.Errorf("essentials = %+v, want e2 first (most recent)", essentials)
	}

	if err := store.MarkAllStale(); err != nil {
		t.Fatalf("MarkAllStale: %v", err)
	}
	all, err := store.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	for id, e := range all {
		if !e.Stale {
			t.Errorf("entry %s not stale", id)
		}
	}

	// One transaction can both delete and upsert.
	if err := store.Apply(Changes{
		Deletes: []string{"n1"},
		Upserts: []Entry{{ContentID: "e1", Version: 2, Tier: content.TierEssential, CachedAt: now, Payload: []byte(`{}`)}},
	}); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if n, _ := store.Count(); n != 2 {
		t.Errorf("Count = %d after delete, want 2", n)
	}
	e, err := store.Get("e1")
	if err != nil {
		t.Fatalf("Get e1: %v", err)
	}
	if e.Version != 2 || e.Stale {
		t.Errorf("e1 = %+v, want version 2 and stale cleared", e)
	}
}
