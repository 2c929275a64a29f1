// Package knowledge indexes hashtag-annotated posts from the knowledge
// channel so agents can search them by keyword.
package knowledge

import (
	"context"
	"log"
	"regexp"
	"strings"

	"dialog_router/internal/domain"
)

var hashtagPattern = regexp.MustCompile(`#[\p{L}\p{N}_]+`)

// ExtractKeywords returns the lowercased hashtags of a post in order of
// appearance.
func ExtractKeywords(text string) []string {
	tags := hashtagPattern.FindAllString(text, -1)
	for i, tag := range tags {
		tags[i] = strings.ToLower(tag)
	}
	return tags
}

type Store interface {
	UpsertKnowledgeEntry(ctx context.Context, messageID int64, text, keywords string) error
	SearchKnowledge(ctx context.Context, query string, limit int) ([]domain.KnowledgeEntry, error)
}

type Indexer struct {
	store  Store
	logger *log.Logger
}

func New(store Store, logger *log.Logger) *Indexer {
	if logger == nil {
		logger = log.Default()
	}
	return &Indexer{store: store, logger: logger}
}

// IndexPost stores or refreshes the entry for a channel post. Posts without
// hashtags are not reference material and are skipped; the returned bool
// reports whether the post was indexed.
func (i *Indexer) IndexPost(ctx context.Context, messageID int64, text string) (bool, error) {
	keywords := ExtractKeywords(text)
	if len(keywords) == 0 {
		return false, nil
	}
	if err := i.store.UpsertKnowledgeEntry(ctx, messageID, text, strings.Join(keywords, " ")); err != nil {
		return false, err
	}
	i.logger.Printf("knowledge entry indexed message=%d keywords=%q", messageID, strings.Join(keywords, " "))
	return true, nil
}

func (i *Indexer) Search(ctx context.Context, query string, limit int) ([]domain.KnowledgeEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	return i.store.SearchKnowledge(ctx, query, limit)
}
