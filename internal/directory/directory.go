// Package directory resolves participant identities from a static table.
//
// The real participant registry lives elsewhere; this is the stand-in the
// daemon loads from config so Flush can address messages by name.
package directory

import (
	"context"
	"strings"
	"sync"

	"mailqueue/internal/queue"
)

// Static is a concurrency-safe, replaceable recipient table.
type Static struct {
	mu sync.RWMutex
	m  map[string]queue.Recipient
}

func NewStatic(entries map[string]queue.Recipient) *Static {
	s := &Static{}
	s.Replace(entries)
	return s
}

// Replace swaps the whole table (config reload).
func (s *Static) Replace(entries map[string]queue.Recipient) {
	m := make(map[string]queue.Recipient, len(entries))
	for id, r := range entries {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		r.ID = id
		r.Email = strings.TrimSpace(r.Email)
		m[id] = r
	}
	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
}

func (s *Static) Lookup(ctx context.Context, id string) (queue.Recipient, bool, error) {
	if err := ctx.Err(); err != nil {
		return queue.Recipient{}, false, err
	}
	s.mu.RLock()
	r, ok := s.m[strings.TrimSpace(id)]
	s.mu.RUnlock()
	return r, ok, nil
}
