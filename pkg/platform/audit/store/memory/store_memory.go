// Package memory provides an in-memory audit store for tests and single
// process deployments. Semantics mirror the PostgreSQL store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"enroll/pkg/platform/audit"
	"enroll/pkg/requestcontext"
)

// Store holds entries in memory, append-only.
type Store struct {
	mu      sync.RWMutex
	entries []audit.Entry
	nextID  int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{nextID: 1}
}

// Append assigns the next surrogate ID and stores the entry.
func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.nextID
	s.nextID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Query returns one page of matching entries, newest first, with the page
// number clamped to the last available page.
func (s *Store) Query(ctx context.Context, filter audit.Filter, page audit.Page) (*audit.QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []audit.Entry
	for _, e := range s.entries {
		if matches(e, filter) {
			matched = append(matched, e)
		}
	}

	// createdAt DESC with id DESC as the deterministic tiebreak.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page = page.Clamp()
	total := len(matched)
	totalPages := (total + page.Size - 1) / page.Size
	if totalPages < 1 {
		totalPages = 1
	}
	if page.Number > totalPages {
		page.Number = totalPages
	}

	start := (page.Number - 1) * page.Size
	end := start + page.Size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	rows := make([]audit.Entry, end-start)
	copy(rows, matched[start:end])

	return &audit.QueryResult{
		Rows:       rows,
		Total:      total,
		Page:       page.Number,
		PageSize:   page.Size,
		TotalPages: totalPages,
	}, nil
}

// FilterOptions returns the distinct classification values present in the log.
func (s *Store) FilterOptions(ctx context.Context) (*audit.Options, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := map[string]struct{}{}
	actions := map[string]struct{}{}
	statuses := map[string]struct{}{}
	subjectTypes := map[string]struct{}{}

	for _, e := range s.entries {
		if e.Category != "" {
			categories[e.Category] = struct{}{}
		}
		if e.Action != "" {
			actions[e.Action] = struct{}{}
		}
		if e.Status != "" {
			statuses[string(e.Status)] = struct{}{}
		}
		if e.SubjectType != "" {
			subjectTypes[e.SubjectType] = struct{}{}
		}
	}

	return &audit.Options{
		Categories:   sortedKeys(categories),
		Actions:      sortedKeys(actions),
		Statuses:     sortedKeys(statuses),
		SubjectTypes: sortedKeys(subjectTypes),
	}, nil
}

// Stats aggregates the log: totals, failures, last-24h activity, and the
// distinct actor count keyed by email-else-name.
func (s *Store) Stats(ctx context.Context) (*audit.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := requestcontext.Now(ctx).UTC()
	cutoff := now.Add(-24 * time.Hour)

	stats := &audit.Stats{}
	actors := map[string]struct{}{}
	for i := range s.entries {
		e := &s.entries[i]
		stats.Total++
		if e.IsFailure() {
			stats.Failures++
		}
		if e.CreatedAt.After(cutoff) {
			stats.Last24h++
		}
		if key := e.ActorKey(); key != "" {
			actors[key] = struct{}{}
		}
	}
	stats.DistinctActors = len(actors)
	return stats, nil
}

func matches(e audit.Entry, f audit.Filter) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Status != "" && string(e.Status) != f.Status {
		return false
	}
	if f.SubjectType != "" && e.SubjectType != f.SubjectType {
		return false
	}
	if f.Actor != "" {
		needle := strings.ToLower(f.Actor)
		if !strings.Contains(strings.ToLower(e.ActorName), needle) &&
			!strings.Contains(strings.ToLower(e.ActorEmail), needle) {
			return false
		}
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		haystacks := []string{
			e.Action, e.Category, e.Message, e.SubjectLabel, e.SubjectID,
			e.RouteName, e.RequestID, e.ActorName, e.ActorEmail,
		}
		found := false
		for _, h := range haystacks {
			if strings.Contains(strings.ToLower(h), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	from, to := f.Bounds()
	if !from.IsZero() && e.CreatedAt.Before(from) {
		return false
	}
	if !to.IsZero() && e.CreatedAt.After(to) {
		return false
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
