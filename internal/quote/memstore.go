package quote

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore implements Store with in-process concurrency safety. It backs unit
// tests and dev mode; production uses the Postgres store.
type MemStore struct {
	mu     sync.RWMutex
	quotes map[string]*Quote
	byRef  map[string]string // reference -> quote id
	events map[string][]Event
	seq    map[string]uint64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory quote store.
func NewMemStore() *MemStore {
	return &MemStore{
		quotes: make(map[string]*Quote),
		byRef:  make(map[string]string),
		events: make(map[string][]Event),
		seq:    make(map[string]uint64),
	}
}

func (s *MemStore) InsertQuoteWithLinesAndEvent(ctx context.Context, q Quote, ev Event) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRef[q.Reference]; ok {
		return Quote{}, ErrConflict
	}
	if _, ok := s.quotes[q.ID]; ok {
		return Quote{}, ErrConflict
	}

	stored := cloneQuote(q)
	s.quotes[q.ID] = &stored
	s.byRef[q.Reference] = q.ID
	s.appendEventLocked(q.ID, ev)
	return cloneQuote(stored), nil
}

func (s *MemStore) UpdateStatus(ctx context.Context, id string, expected, next Status, reason string, ev Event) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[id]
	if !ok {
		return Quote{}, ErrNotFound
	}
	if q.Status != expected {
		return Quote{}, ErrConflict
	}
	q.Status = next
	if reason != "" {
		q.RejectionReason = reason
	}
	q.UpdatedAt = time.Now().UTC()
	s.appendEventLocked(id, ev)
	return cloneQuote(*q), nil
}

func (s *MemStore) SoftDelete(ctx context.Context, id string, at time.Time, ev Event) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[id]
	if !ok {
		return Quote{}, ErrNotFound
	}
	if q.DeletedAt == nil {
		stamp := at
		q.DeletedAt = &stamp
		q.UpdatedAt = at
		s.appendEventLocked(id, ev)
	}
	return cloneQuote(*q), nil
}

func (s *MemStore) GetQuote(ctx context.Context, id string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[id]
	if !ok {
		return Quote{}, ErrNotFound
	}
	return cloneQuote(*q), nil
}

func (s *MemStore) GetByReference(ctx context.Context, reference string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[reference]
	if !ok {
		return Quote{}, ErrNotFound
	}
	return cloneQuote(*s.quotes[id]), nil
}

func (s *MemStore) ListByStatus(ctx context.Context, st Status, limit, offset int) ([]Quote, error) {
	return s.list(func(q *Quote) bool { return q.Status == st && q.DeletedAt == nil }, limit, offset)
}

func (s *MemStore) ListByBuyer(ctx context.Context, buyerEmail string, limit, offset int) ([]Quote, error) {
	return s.list(func(q *Quote) bool { return q.BuyerContactEmail == buyerEmail && q.DeletedAt == nil }, limit, offset)
}

func (s *MemStore) CountByStatus(ctx context.Context, st Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, q := range s.quotes {
		if q.Status == st && q.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ListEvents(ctx context.Context, quoteID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.quotes[quoteID]; !ok {
		return nil, ErrNotFound
	}
	evs := s.events[quoteID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *MemStore) ListStaleNonTerminal(ctx context.Context, cutoff time.Time, limit int) ([]Quote, error) {
	return s.list(func(q *Quote) bool {
		return !q.Status.Terminal() && q.DeletedAt == nil && q.UpdatedAt.Before(cutoff)
	}, limit, 0)
}

func (s *MemStore) list(match func(*Quote) bool, limit, offset int) ([]Quote, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Quote
	for _, q := range s.quotes {
		if match(q) {
			all = append(all, cloneQuote(*q))
		}
	}
	// newest first, matching the Postgres store's order by created_at desc
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

func (s *MemStore) appendEventLocked(quoteID string, ev Event) {
	s.seq[quoteID]++
	ev.Sequence = s.seq[quoteID]
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events[quoteID] = append(s.events[quoteID], ev)
}

func cloneQuote(q Quote) Quote {
	out := q
	if q.DeletedAt != nil {
		stamp := *q.DeletedAt
		out.DeletedAt = &stamp
	}
	out.Lines = make([]Line, len(q.Lines))
	copy(out.Lines, q.Lines)
	return out
}
