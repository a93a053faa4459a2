// Package memory provides an in-process document store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/listingwatch/internal/watch"
)

// Store keeps collections of documents in maps guarded by one lock.
type Store struct {
	mu           sync.RWMutex
	collections  map[string]map[string]map[string]any
	maxBatchSize int
	commits      int
}

// NewStore constructs a Store. maxBatchSize <= 0 means Commit accepts any number of writes.
func NewStore(maxBatchSize int) *Store {
	return &Store{
		collections:  make(map[string]map[string]map[string]any),
		maxBatchSize: maxBatchSize,
	}
}

// MaxBatchSize reports the write cap enforced by Commit.
func (s *Store) MaxBatchSize() int {
	return s.maxBatchSize
}

// Get returns a copy of one document.
func (s *Store) Get(_ context.Context, collection, id string) (watch.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.collections[collection][id]
	if !ok {
		return watch.Document{}, watch.ErrNotFound
	}
	return watch.Document{Collection: collection, ID: id, Fields: copyFields(fields)}, nil
}

// Find evaluates the query against a snapshot of the collection.
func (s *Store) Find(ctx context.Context, q watch.Query) ([]watch.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", q.Collection, err)
	}
	for _, f := range q.Filters {
		if !validOp(f.Op) {
			return nil, fmt.Errorf("find %s: unsupported operator %q", q.Collection, f.Op)
		}
	}
	s.mu.RLock()
	docs := make([]watch.Document, 0)
	for id, fields := range s.collections[q.Collection] {
		if matches(fields, q.Filters) {
			docs = append(docs, watch.Document{Collection: q.Collection, ID: id, Fields: copyFields(fields)})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			if c, ok := compare(docs[i].Fields[q.OrderBy], docs[j].Fields[q.OrderBy]); ok && c != 0 {
				if q.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return docs[i].ID < docs[j].ID
	})
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// Commit validates every write and then applies all of them under one lock, so either every write lands
// or none does.
func (s *Store) Commit(ctx context.Context, writes []watch.Write) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if s.maxBatchSize > 0 && len(writes) > s.maxBatchSize {
		return fmt.Errorf("commit: %d writes exceed batch limit %d", len(writes), s.maxBatchSize)
	}
	for i, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("commit: write %d is missing collection or id", i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		coll, ok := s.collections[w.Collection]
		if !ok {
			coll = make(map[string]map[string]any)
			s.collections[w.Collection] = coll
		}
		switch w.Kind {
		case watch.WriteDelete:
			delete(coll, w.ID)
		default:
			existing, found := coll[w.ID]
			if !w.Merge || !found {
				coll[w.ID] = copyFields(w.Fields)
				continue
			}
			for k, v := range w.Fields {
				existing[k] = v
			}
		}
	}
	s.commits++
	return nil
}

// Commits reports how many batches have been applied.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func matches(fields map[string]any, filters []watch.Filter) bool {
	for _, f := range filters {
		v, ok := fields[f.Field]
		if !ok {
			return false
		}
		c, ok := compare(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case watch.OpEq:
			if c != 0 {
				return false
			}
		case watch.OpLt:
			if c >= 0 {
				return false
			}
		case watch.OpLte:
			if c > 0 {
				return false
			}
		case watch.OpGt:
			if c <= 0 {
				return false
			}
		case watch.OpGte:
			if c < 0 {
				return false
			}
		}
	}
	return true
}

func validOp(op watch.Op) bool {
	switch op {
	case watch.OpEq, watch.OpLt, watch.OpLte, watch.OpGt, watch.OpGte:
		return true
	default:
		return false
	}
}

// compare orders two field values of the same family (numbers, strings or bools).
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
