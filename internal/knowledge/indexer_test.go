package knowledge

import (
	"context"
	"path/filepath"
	"testing"

	"dialog_router/internal/store/sqlite"
)

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return New(store, nil)
}

func TestExtractKeywords(t *testing.T) {
	tags := ExtractKeywords("How to reset a PIN #Password #reset_flow and more")
	if len(tags) != 2 || tags[0] != "#password" || tags[1] != "#reset_flow" {
		t.Fatalf("tags=%v want lowercased hashtags in order", tags)
	}
	if got := ExtractKeywords("no tags here"); len(got) != 0 {
		t.Fatalf("tags=%v want none", got)
	}
}

func TestIndexPostSkipsUntaggedPosts(t *testing.T) {
	ctx := context.Background()
	indexer := newTestIndexer(t)

	indexed, err := indexer.IndexPost(ctx, 100, "a plain announcement")
	if err != nil {
		t.Fatalf("index untagged post: %v", err)
	}
	if indexed {
		t.Fatalf("untagged post must be skipped")
	}

	indexed, err = indexer.IndexPost(ctx, 101, "refund procedure #refunds #billing")
	if err != nil {
		t.Fatalf("index tagged post: %v", err)
	}
	if !indexed {
		t.Fatalf("tagged post must be indexed")
	}

	entries, err := indexer.Search(ctx, "refunds", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(entries) != 1 || entries[0].MessageID != 101 {
		t.Fatalf("entries=%+v want the tagged post only", entries)
	}
}

func TestIndexPostUpdatesOnEdit(t *testing.T) {
	ctx := context.Background()
	indexer := newTestIndexer(t)

	if _, err := indexer.IndexPost(ctx, 200, "old text #delivery"); err != nil {
		t.Fatalf("index post: %v", err)
	}
	if _, err := indexer.IndexPost(ctx, 200, "new text #shipping"); err != nil {
		t.Fatalf("reindex post: %v", err)
	}

	entries, err := indexer.Search(ctx, "shipping", 0)
	if err != nil {
		t.Fatalf("search new tag: %v", err)
	}
	if len(entries) != 1 || entries[0].Keywords != "#shipping" {
		t.Fatalf("entries=%+v want updated keywords", entries)
	}
	old, err := indexer.Search(ctx, "delivery", 0)
	if err != nil {
		t.Fatalf("search old tag: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("old keywords still searchable: %+v", old)
	}
}

func TestSearchBlankQueryReturnsNothing(t *testing.T) {
	indexer := newTestIndexer(t)
	entries, err := indexer.Search(context.Background(), "   ", 0)
	if err != nil {
		t.Fatalf("search blank: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries=%v want none for blank query", entries)
	}
}
