package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memStore struct {
	mu        sync.Mutex
	entries   []Entry
	insertErr error
	block     chan struct{}
	deleted   []string
}

func (m *memStore) Insert(ctx context.Context, e Entry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) Search(ctx context.Context, filter Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Entry{}
	for _, e := range m.entries {
		if filter.TargetType != "" && e.TargetType != filter.TargetType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) ExpiredBatch(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) DeleteIDs(ctx context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.entries[:0]
	var n int64
	for _, e := range m.entries {
		if drop[e.ID] {
			n++
			m.deleted = append(m.deleted, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var errWrite = errors.New("write failed")
