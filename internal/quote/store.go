package quote

import (
	"context"
	"time"
)

// Store is the persistence boundary for quotes. Implementations must make
// InsertQuoteWithLinesAndEvent all-or-nothing and UpdateStatus a compare-and-set
// that reports ErrConflict rather than silently overwriting.
type Store interface {
	// InsertQuoteWithLinesAndEvent persists the quote, its lines and the
	// creation event in one atomic unit. A partial failure leaves no rows.
	InsertQuoteWithLinesAndEvent(ctx context.Context, q Quote, ev Event) (Quote, error)

	// UpdateStatus transitions the quote only if its stored status still
	// equals expected; otherwise it fails with ErrConflict. The event is
	// appended in the same atomic unit. reason is persisted for rejections.
	UpdateStatus(ctx context.Context, id string, expected, next Status, reason string, ev Event) (Quote, error)

	// SoftDelete stamps deletedAt without touching status, lines or events.
	SoftDelete(ctx context.Context, id string, at time.Time, ev Event) (Quote, error)

	GetQuote(ctx context.Context, id string) (Quote, error)
	GetByReference(ctx context.Context, reference string) (Quote, error)
	ListByStatus(ctx context.Context, st Status, limit, offset int) ([]Quote, error)
	ListByBuyer(ctx context.Context, buyerEmail string, limit, offset int) ([]Quote, error)
	CountByStatus(ctx context.Context, st Status) (int64, error)

	// ListEvents returns the quote's event log ordered oldest first.
	ListEvents(ctx context.Context, quoteID string) ([]Event, error)

	// ListStaleNonTerminal returns active quotes in a non-terminal status not
	// updated since the cutoff, for the expiry sweep.
	ListStaleNonTerminal(ctx context.Context, cutoff time.Time, limit int) ([]Quote, error)
}
