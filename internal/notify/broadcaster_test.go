package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBroadcastDedupesByEventKey(t *testing.T) {
	b := New(NewMemStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Broadcast(ctx, "quote:q1:created", "quote_created", "New quote", "msg", nil, "/admin/quotes/q1"); err != nil {
			t.Fatal(err)
		}
	}
	items, err := b.List(ctx, RecipientAll, false, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one notification, got %d", len(items))
	}
	if items[0].Type != "quote_created" || items[0].ActionURL != "/admin/quotes/q1" {
		t.Fatalf("unexpected notification %#v", items[0])
	}
}

func TestDedupWindowExpires(t *testing.T) {
	now := time.Now().UTC()
	b := New(NewMemStore(),
		WithDedupWindow(time.Minute),
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := b.Broadcast(ctx, "quote:q1:created", "quote_created", "t", "m", nil, ""); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if err := b.Broadcast(ctx, "quote:q1:created", "quote_created", "t", "m", nil, ""); err != nil {
		t.Fatal(err)
	}

	count, _ := b.UnreadCount(ctx, RecipientAll)
	if count != 2 {
		t.Fatalf("expected window to expire and allow a second insert, count=%d", count)
	}
}

type failingStore struct {
	Store
	fail  bool
	calls int
}

func (s *failingStore) Insert(ctx context.Context, n Notification) (Notification, error) {
	s.calls++
	if s.fail {
		return Notification{}, errors.New("insert failed")
	}
	return s.Store.Insert(ctx, n)
}

func TestFailedInsertStaysRetryable(t *testing.T) {
	fs := &failingStore{Store: NewMemStore(), fail: true}
	b := New(fs)
	ctx := context.Background()

	if err := b.Broadcast(ctx, "quote:q1:created", "quote_created", "t", "m", nil, ""); err == nil {
		t.Fatal("expected insert error")
	}

	// the key was not marked seen, so the retry goes through
	fs.fail = false
	if err := b.Broadcast(ctx, "quote:q1:created", "quote_created", "t", "m", nil, ""); err != nil {
		t.Fatal(err)
	}
	if fs.calls != 2 {
		t.Fatalf("expected two insert attempts, got %d", fs.calls)
	}
	count, _ := b.UnreadCount(ctx, RecipientAll)
	if count != 1 {
		t.Fatalf("expected one stored notification, got %d", count)
	}
}

func TestSubscribeReceivesBroadcasts(t *testing.T) {
	b := New(NewMemStore())
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx)
	if err := b.Broadcast(context.Background(), "quote:q1:approved", "quote_approved", "t", "m", nil, ""); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-ch:
		if n.Type != "quote_approved" {
			t.Fatalf("unexpected notification %#v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the broadcast")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestReadLifecycle(t *testing.T) {
	b := New(NewMemStore())
	ctx := context.Background()

	_ = b.Broadcast(ctx, "quote:q1:created", "quote_created", "t", "m", nil, "")
	_ = b.Broadcast(ctx, "quote:q2:created", "quote_created", "t", "m", nil, "")
	_ = b.Broadcast(ctx, "quote:q3:created", "quote_created", "t", "m", nil, "")

	items, err := b.List(ctx, RecipientAll, false, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(items))
	}

	n, err := b.MarkRead(ctx, items[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !n.IsRead {
		t.Fatal("expected IsRead after MarkRead")
	}
	count, _ := b.UnreadCount(ctx, RecipientAll)
	if count != 2 {
		t.Fatalf("expected 2 unread, got %d", count)
	}

	unread, _ := b.List(ctx, RecipientAll, true, 10, 0)
	if len(unread) != 2 {
		t.Fatalf("expected 2 in unread view, got %d", len(unread))
	}

	updated, err := b.MarkAllRead(ctx, RecipientAll)
	if err != nil {
		t.Fatal(err)
	}
	if updated != 2 {
		t.Fatalf("expected 2 updated, got %d", updated)
	}

	if err := b.Delete(ctx, items[1].ID); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete(ctx, items[1].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
	if _, err := b.MarkRead(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentBroadcastSameKey(t *testing.T) {
	b := New(NewMemStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Broadcast(ctx, "quote:q1:created", "quote_created", "t", "m", nil, "")
		}()
	}
	wg.Wait()

	count, _ := b.UnreadCount(ctx, RecipientAll)
	if count != 1 {
		t.Fatalf("expected a single stored notification, got %d", count)
	}
}
