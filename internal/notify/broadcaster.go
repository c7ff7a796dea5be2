package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"quotedesk.org/internal/ids"
	"quotedesk.org/internal/obs"
)

const defaultDedupWindow = 2 * time.Minute

// Broadcaster persists one admin notification per state change and pushes it
// to connected subscribers. Broadcast is idempotent on the event key within a
// short window so a retried side effect cannot produce duplicates.
type Broadcaster struct {
	store  Store
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // eventKey -> reservation time

	subMu sync.RWMutex
	subs  map[int]chan Notification
	next  int
}

// Option configures Broadcaster.
type Option func(*Broadcaster)

// WithDedupWindow overrides how long an event key suppresses duplicates.
func WithDedupWindow(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithClock overrides the time source. Only intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// New creates a broadcaster over the given notification store.
func New(store Store, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		store:  store,
		window: defaultDedupWindow,
		now:    func() time.Time { return time.Now().UTC() },
		seen:   make(map[string]time.Time),
		subs:   make(map[int]chan Notification),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast persists one notification addressed to all admins and fans it out
// to live subscribers. A second call with the same eventKey inside the dedup
// window is a no-op, concurrent calls included. A failed insert releases the
// key so the attempt stays retryable.
func (b *Broadcaster) Broadcast(ctx context.Context, eventKey, typ, title, message string, data map[string]any, actionURL string) error {
	eventKey = strings.TrimSpace(eventKey)
	if eventKey == "" || !b.reserve(eventKey) {
		return nil
	}

	n := Notification{
		ID:          ids.New(),
		RecipientID: RecipientAll,
		Type:        typ,
		Title:       title,
		Message:     message,
		Data:        data,
		ActionURL:   actionURL,
		CreatedAt:   b.now(),
	}
	persisted, err := b.store.Insert(ctx, n)
	if err != nil {
		b.release(eventKey)
		return err
	}
	obs.RecordNotification(typ)

	b.publish(persisted)
	return nil
}

// Subscribe registers a live subscriber. The returned channel receives every
// broadcast until ctx ends, then closes. Slow subscribers drop events rather
// than block the broadcaster.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Notification {
	ch := make(chan Notification, 16)

	b.subMu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.subMu.Unlock()

	go func() {
		<-ctx.Done()
		b.subMu.Lock()
		delete(b.subs, id)
		close(ch)
		b.subMu.Unlock()
	}()

	return ch
}

// List returns notifications visible to the recipient, newest first. Entries
// addressed to all admins are always included.
func (b *Broadcaster) List(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]Notification, error) {
	return b.store.List(ctx, recipientID, unreadOnly, limit, offset)
}

// UnreadCount reports how many notifications the recipient has not read.
func (b *Broadcaster) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	return b.store.UnreadCount(ctx, recipientID)
}

// MarkRead flags a single notification as read.
func (b *Broadcaster) MarkRead(ctx context.Context, id string) (Notification, error) {
	return b.store.MarkRead(ctx, id)
}

// MarkAllRead flags everything visible to the recipient as read.
func (b *Broadcaster) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	return b.store.MarkAllRead(ctx, recipientID)
}

// Delete removes a notification a recipient dismissed.
func (b *Broadcaster) Delete(ctx context.Context, id string) error {
	return b.store.Delete(ctx, id)
}

func (b *Broadcaster) publish(n Notification) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			// drop when the subscriber is slow to avoid blocking
		}
	}
}

// reserve claims the event key for this broadcast. It returns false when the
// key was already claimed inside the window. Stale entries are swept in passing.
func (b *Broadcaster) reserve(eventKey string) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, ts := range b.seen {
		if now.Sub(ts) > b.window {
			delete(b.seen, k)
		}
	}
	if ts, ok := b.seen[eventKey]; ok && now.Sub(ts) <= b.window {
		return false
	}
	b.seen[eventKey] = now
	return true
}

func (b *Broadcaster) release(eventKey string) {
	b.mu.Lock()
	delete(b.seen, eventKey)
	b.mu.Unlock()
}
