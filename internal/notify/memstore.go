package notify

import (
	"context"
	"sort"
	"sync"
)

// MemStore implements Store with in-process concurrency safety.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*Notification
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory notification store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Notification)}
}

func (s *MemStore) Insert(ctx context.Context, n Notification) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneNotification(n)
	s.items[n.ID] = &stored
	return cloneNotification(stored), nil
}

func (s *MemStore) List(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]Notification, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	var all []Notification
	for _, n := range s.items {
		if !visibleTo(n, recipientID) {
			continue
		}
		if unreadOnly && n.IsRead {
			continue
		}
		all = append(all, cloneNotification(*n))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemStore) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, item := range s.items {
		if visibleTo(item, recipientID) && !item.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) MarkRead(ctx context.Context, id string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	n.IsRead = true
	return cloneNotification(*n), nil
}

func (s *MemStore) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for _, n := range s.items {
		if visibleTo(n, recipientID) && !n.IsRead {
			n.IsRead = true
			updated++
		}
	}
	return updated, nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func visibleTo(n *Notification, recipientID string) bool {
	return n.RecipientID == RecipientAll || n.RecipientID == recipientID
}

func cloneNotification(n Notification) Notification {
	out := n
	if n.Data != nil {
		out.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			out.Data[k] = v
		}
	}
	return out
}
