package search

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/mmcdole/dailybrief/internal/domain"
)

// Result is one history match with its rank score.
type Result struct {
	Entry *domain.CacheEntry
	Score int // lower is better
}

// Service ranks cached briefs against free-text queries. The index is
// rebuilt from the store's history and searched in memory.
type Service struct {
	store  domain.Store
	logger *slog.Logger

	mu      sync.RWMutex
	entries []*domain.CacheEntry
	words   [][]string // tokenized title+summary per entry
	indexed bool
}

// NewService creates a new history search service.
func NewService(store domain.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Rebuild reloads the index from the store's history.
func (s *Service) Rebuild() error {
	entries, err := s.store.History(0)
	if err != nil {
		return fmt.Errorf("rebuild search index: %w", err)
	}

	words := make([][]string, len(entries))
	for i, e := range entries {
		words[i] = tokenize(e.Record.Title + " " + e.Record.Summary)
	}

	s.mu.Lock()
	s.entries = entries
	s.words = words
	s.indexed = true
	s.mu.Unlock()

	s.logger.Debug("rebuilt search index", "entries", len(entries))
	return nil
}

// Invalidate drops the index so the next search rebuilds it. Called
// after the cached history changes.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.indexed = false
	s.mu.Unlock()
}

// Search returns history entries matching the query, best match first.
// Every query word must match somewhere in an entry's title or summary;
// word order does not matter. Ties rank newest content first.
func (s *Service) Search(query string, limit int) ([]Result, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	indexed := s.indexed
	s.mu.RUnlock()
	if !indexed {
		if err := s.Rebuild(); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Result
	for i, entryWords := range s.words {
		if score, ok := scoreEntry(entryWords, tokens); ok {
			results = append(results, Result{Entry: s.entries[i], Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		return results[j].Entry.Record.ContentDate.Before(results[i].Entry.Record.ContentDate)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	s.logger.Debug("history search", "query", query, "results", len(results))
	return results, nil
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// scoreEntry matches every query token against the entry's words.
// All tokens must match (AND semantics); the total is the sum of the
// best per-token scores.
func scoreEntry(entryWords, queryTokens []string) (int, bool) {
	total := 0
	for _, token := range queryTokens {
		best := -1
		for _, word := range entryWords {
			if sc := scoreToken(token, word); sc >= 0 && (best < 0 || sc < best) {
				best = sc
			}
		}
		if best < 0 {
			return 0, false
		}
		total += best
	}
	return total, true
}

// scoreToken scores one query token against one entry word.
// Returns a negative score for no match.
func scoreToken(query, word string) int {
	if query == word {
		return 0
	}
	if strings.HasPrefix(word, query) {
		return 10
	}
	if strings.Contains(word, query) {
		return 50
	}
	if typos := allowedTypos(len([]rune(query))); typos > 0 {
		if dist := fuzzy.LevenshteinDistance(query, word); dist <= typos {
			return 100 + dist*20
		}
	}
	return -1
}

// allowedTypos returns the typo tolerance for a query word length.
func allowedTypos(length int) int {
	switch {
	case length <= 3:
		return 0
	case length <= 6:
		return 1
	default:
		return 2
	}
}
