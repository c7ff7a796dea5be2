package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"quotedesk.org/internal/audit"
	"quotedesk.org/internal/cache"
	"quotedesk.org/internal/ids"
	"quotedesk.org/internal/obs"
)

const referenceAttempts = 5

// Invalidator removes cache entries after a committed mutation.
type Invalidator interface {
	Invalidate(key string)
	InvalidateByPrefix(prefix string)
}

// Broadcaster fans a committed state change out to administrator notifications.
// eventKey deduplicates repeated broadcasts of the same logical event.
type Broadcaster interface {
	Broadcast(ctx context.Context, eventKey, typ, title, message string, data map[string]any, actionURL string) error
}

// Authorizer is the external auth collaborator. The lifecycle never inspects
// credentials, only whether the calling context carries administrative capability.
type Authorizer interface {
	CanManageQuotes(ctx context.Context) bool
}

// AuthorizerFunc adapts a plain predicate to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context) bool

func (f AuthorizerFunc) CanManageQuotes(ctx context.Context) bool { return f(ctx) }

// Service owns the quote lifecycle: validation, state transitions, and the
// post-commit cache invalidation and notification fan-out.
type Service struct {
	store    Store
	cache    Invalidator
	notifier Broadcaster
	authz    Authorizer
	now      func() time.Time

	effects sync.WaitGroup
}

// Option configures Service.
type Option func(*Service)

// WithCache wires the cache invalidated after each committed mutation.
func WithCache(inv Invalidator) Option {
	return func(s *Service) { s.cache = inv }
}

// WithBroadcaster wires the notification fan-out.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.notifier = b }
}

// WithAuthorizer overrides the administrative capability check.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Service) { s.authz = a }
}

// WithClock overrides the time source. Only intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs the lifecycle service. Without WithAuthorizer every
// administrative operation is refused.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		authz: AuthorizerFunc(func(context.Context) bool { return false }),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the request and persists the quote, its lines and the
// created event atomically. The reference is generated when absent, with a
// bounded number of retries on collision.
func (s *Service) Create(ctx context.Context, in CreateInput) (Quote, error) {
	email := strings.TrimSpace(in.BuyerContactEmail)
	if email == "" || !strings.Contains(email, "@") {
		return Quote{}, fmt.Errorf("%w: buyer_contact_email is required", ErrValidation)
	}
	if len(in.Lines) == 0 {
		return Quote{}, fmt.Errorf("%w: at least one line is required", ErrValidation)
	}
	for i, ln := range in.Lines {
		if strings.TrimSpace(ln.ProductName) == "" {
			return Quote{}, fmt.Errorf("%w: line %d: product_name is required", ErrValidation, i)
		}
		if ln.Qty <= 0 {
			return Quote{}, fmt.Errorf("%w: line %d: qty must be > 0", ErrValidation, i)
		}
		if ln.UnitPrice < 0 {
			return Quote{}, fmt.Errorf("%w: line %d: unit_price must be >= 0", ErrValidation, i)
		}
	}

	status := StatusDraft
	if in.Submit {
		status = StatusPending
	}

	actor := strings.TrimSpace(in.OwnerUserID)
	if actor == "" {
		actor = ActorSystem
	}

	supplied := strings.TrimSpace(in.Reference)
	for attempt := 0; attempt < referenceAttempts; attempt++ {
		ref := supplied
		if ref == "" {
			ref = NewReference()
		}

		now := s.now()
		q := Quote{
			ID:                ids.New(),
			Reference:         ref,
			Status:            status,
			BuyerContactEmail: email,
			BuyerContactPhone: strings.TrimSpace(in.BuyerContactPhone),
			BuyerCompanyID:    strings.TrimSpace(in.BuyerCompanyID),
			OwnerUserID:       strings.TrimSpace(in.OwnerUserID),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		for _, ln := range in.Lines {
			q.Lines = append(q.Lines, Line{
				ID:          ids.New(),
				QuoteID:     q.ID,
				ProductID:   strings.TrimSpace(ln.ProductID),
				ProductName: strings.TrimSpace(ln.ProductName),
				ProductSKU:  strings.TrimSpace(ln.ProductSKU),
				Qty:         ln.Qty,
				UnitPrice:   ln.UnitPrice,
				Description: strings.TrimSpace(ln.Description),
			})
			q.TotalAmount += ln.Qty * ln.UnitPrice
		}

		ev := Event{
			ID:        ids.New(),
			QuoteID:   q.ID,
			ActorID:   actor,
			Type:      EventCreated,
			CreatedAt: now,
			Payload: map[string]any{
				"reference":    ref,
				"status":       string(status),
				"line_count":   len(q.Lines),
				"total_amount": q.TotalAmount,
			},
		}

		persisted, err := s.store.InsertQuoteWithLinesAndEvent(ctx, q, ev)
		if err == nil {
			s.afterCommit(ctx, persisted, EventCreated, map[string]any{"reference": ref})
			return persisted, nil
		}
		if isConflict(err) && supplied == "" {
			continue // reference collision, regenerate
		}
		if isConflict(err) {
			return Quote{}, fmt.Errorf("%w: reference %q already exists", ErrConflict, ref)
		}
		return Quote{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return Quote{}, fmt.Errorf("%w: reference generation exhausted after %d attempts", ErrConflict, referenceAttempts)
}

// Approve transitions a PENDING or NEGOTIATING quote to ACCEPTED.
func (s *Service) Approve(ctx context.Context, id, actorID, notes string) (Quote, error) {
	return s.decide(ctx, id, actorID, StatusAccepted, EventApproved, "", notes)
}

// Reject transitions a PENDING or NEGOTIATING quote to REJECTED. A non-empty
// reason is required and recorded on the quote and in the event payload.
func (s *Service) Reject(ctx context.Context, id, actorID, reason string) (Quote, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Quote{}, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}
	return s.decide(ctx, id, actorID, StatusRejected, EventRejected, reason, "")
}

func (s *Service) decide(ctx context.Context, id, actorID string, target Status, eventType, reason, notes string) (Quote, error) {
	if !s.authz.CanManageQuotes(ctx) {
		return Quote{}, ErrUnauthorized
	}
	cur, err := s.load(ctx, id)
	if err != nil {
		return Quote{}, err
	}
	if cur.DeletedAt != nil || !cur.Status.Decidable() {
		return Quote{}, fmt.Errorf("%w: cannot move %s quote to %s", ErrInvalidState, cur.Status, target)
	}

	payload := map[string]any{"from": string(cur.Status), "to": string(target)}
	if notes != "" {
		payload["notes"] = notes
	}
	if reason != "" {
		payload["reason"] = reason
	}
	ev := Event{
		ID:        ids.New(),
		QuoteID:   id,
		ActorID:   actorID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.now(),
	}

	q, err := s.store.UpdateStatus(ctx, id, cur.Status, target, reason, ev)
	if err != nil {
		return Quote{}, mapStoreErr(err)
	}
	s.afterCommit(ctx, q, eventType, payload)
	return q, nil
}

// SetStatus is the administrative override. The target must be a member of the
// closed status set and the current status must not be terminal.
func (s *Service) SetStatus(ctx context.Context, id, actorID string, target Status) (Quote, error) {
	if !s.authz.CanManageQuotes(ctx) {
		return Quote{}, ErrUnauthorized
	}
	if _, err := ParseStatus(string(target)); err != nil {
		return Quote{}, fmt.Errorf("%w: %q", ErrValidation, target)
	}
	cur, err := s.load(ctx, id)
	if err != nil {
		return Quote{}, err
	}
	if cur.DeletedAt != nil || cur.Status.Terminal() {
		return Quote{}, fmt.Errorf("%w: %s is terminal", ErrInvalidState, cur.Status)
	}
	if cur.Status == target {
		return cur, nil
	}

	payload := map[string]any{"from": string(cur.Status), "to": string(target)}
	ev := Event{
		ID:        ids.New(),
		QuoteID:   id,
		ActorID:   actorID,
		Type:      EventStatusChanged,
		Payload:   payload,
		CreatedAt: s.now(),
	}

	q, err := s.store.UpdateStatus(ctx, id, cur.Status, target, "", ev)
	if err != nil {
		return Quote{}, mapStoreErr(err)
	}
	s.afterCommit(ctx, q, EventStatusChanged, payload)
	return q, nil
}

// SoftDelete stamps deletedAt; status, lines and the event history are kept and
// the quote stays retrievable by id. Deleting twice is a no-op.
func (s *Service) SoftDelete(ctx context.Context, id, actorID string) (Quote, error) {
	if !s.authz.CanManageQuotes(ctx) {
		return Quote{}, ErrUnauthorized
	}
	cur, err := s.load(ctx, id)
	if err != nil {
		return Quote{}, err
	}
	if cur.DeletedAt != nil {
		return cur, nil
	}

	now := s.now()
	ev := Event{
		ID:        ids.New(),
		QuoteID:   id,
		ActorID:   actorID,
		Type:      EventDeleted,
		Payload:   map[string]any{"deleted_at": now.Format(time.RFC3339)},
		CreatedAt: now,
	}
	q, err := s.store.SoftDelete(ctx, id, now, ev)
	if err != nil {
		return Quote{}, mapStoreErr(err)
	}
	s.afterCommit(ctx, q, EventDeleted, nil)
	return q, nil
}

// ExpireStale moves active non-terminal quotes untouched for olderThan to
// EXPIRED. Quotes mutated concurrently are skipped, not retried.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-olderThan)
	stale, err := s.store.ListStaleNonTerminal(ctx, cutoff, limit)
	if err != nil {
		return 0, mapStoreErr(err)
	}

	var expired int
	for _, q := range stale {
		ev := Event{
			ID:        ids.New(),
			QuoteID:   q.ID,
			ActorID:   ActorSystem,
			Type:      EventExpired,
			Payload:   map[string]any{"from": string(q.Status), "to": string(StatusExpired)},
			CreatedAt: s.now(),
		}
		updated, err := s.store.UpdateStatus(ctx, q.ID, q.Status, StatusExpired, "", ev)
		if isConflict(err) {
			continue
		}
		if err != nil {
			return expired, mapStoreErr(err)
		}
		expired++
		s.afterCommit(ctx, updated, EventExpired, nil)
	}
	return expired, nil
}

// Get returns the quote with its lines. Soft deleted quotes are still returned
// with the deletion marker set.
func (s *Service) Get(ctx context.Context, id string) (Quote, error) {
	return s.load(ctx, id)
}

// GetByReference resolves a quote by its human-readable reference.
func (s *Service) GetByReference(ctx context.Context, reference string) (Quote, error) {
	q, err := s.store.GetByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return Quote{}, mapStoreErr(err)
	}
	return q, nil
}

// ListByStatus returns active quotes in the given status, newest first.
func (s *Service) ListByStatus(ctx context.Context, st Status, limit, offset int) ([]Quote, error) {
	if _, err := ParseStatus(string(st)); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrValidation, st)
	}
	out, err := s.store.ListByStatus(ctx, st, limit, offset)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

// ListByBuyer returns the buyer's active quotes, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerEmail string, limit, offset int) ([]Quote, error) {
	out, err := s.store.ListByBuyer(ctx, strings.TrimSpace(buyerEmail), limit, offset)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

// CountByStatus serves the dashboard widgets.
func (s *Service) CountByStatus(ctx context.Context, st Status) (int64, error) {
	if _, err := ParseStatus(string(st)); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrValidation, st)
	}
	n, err := s.store.CountByStatus(ctx, st)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	return n, nil
}

// Events returns the quote's audit trail, oldest first.
func (s *Service) Events(ctx context.Context, quoteID string) ([]Event, error) {
	evs, err := s.store.ListEvents(ctx, quoteID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return evs, nil
}

// Wait blocks until all dispatched side effects are done. Used by graceful
// shutdown and by tests; callers on the request path never wait.
func (s *Service) Wait() { s.effects.Wait() }

// afterCommit dispatches cache invalidation, the audit line and the
// notification fan-out. Best effort: failures are logged, never surfaced, and
// the broadcast is retried at most once.
func (s *Service) afterCommit(ctx context.Context, q Quote, eventType string, extra map[string]any) {
	obs.RecordQuoteTransition(eventType)

	bg := context.WithoutCancel(ctx)
	s.effects.Add(1)
	go func() {
		defer s.effects.Done()

		if s.cache != nil {
			s.cache.Invalidate(cache.KeyQuote(q.ID))
			s.cache.Invalidate(cache.KeyQuoteEvents(q.ID))
			s.cache.InvalidateByPrefix(cache.PrefixDashboardQuotes)
			s.cache.InvalidateByPrefix(cache.PrefixBuyerQuotes(q.BuyerContactEmail))
		}

		fields := map[string]any{
			"quote_id":  q.ID,
			"reference": q.Reference,
			"status":    string(q.Status),
		}
		for k, v := range extra {
			fields[k] = v
		}
		if err := audit.LogEvent(bg, "quote."+eventType, fields); err != nil {
			obs.Logger().Printf(`{"level":"error","msg":"audit log failed","error":%q}`, err.Error())
		}

		if s.notifier == nil {
			return
		}
		key := "quote:" + q.ID + ":" + eventType
		typ, title, message, actionURL := notificationContent(q, eventType)
		data := map[string]any{
			"quote_id":  q.ID,
			"reference": q.Reference,
			"status":    string(q.Status),
		}
		err := s.notifier.Broadcast(bg, key, typ, title, message, data, actionURL)
		if err != nil {
			// one bounded retry, then drop
			err = s.notifier.Broadcast(bg, key, typ, title, message, data, actionURL)
		}
		if err != nil {
			obs.Logger().Printf(`{"level":"error","msg":"notification broadcast dropped","event_key":%q,"error":%q}`, key, err.Error())
		}
	}()
}

func notificationContent(q Quote, eventType string) (typ, title, message, actionURL string) {
	actionURL = "/admin/quotes/" + q.ID
	switch eventType {
	case EventCreated:
		return "quote_created", "New quote request", "Quote " + q.Reference + " was submitted by " + q.BuyerContactEmail, actionURL
	case EventApproved:
		return "quote_approved", "Quote approved", "Quote " + q.Reference + " was accepted", actionURL
	case EventRejected:
		return "quote_rejected", "Quote rejected", "Quote " + q.Reference + " was rejected: " + q.RejectionReason, actionURL
	case EventDeleted:
		return "quote_deleted", "Quote deleted", "Quote " + q.Reference + " was removed", actionURL
	case EventExpired:
		return "quote_expired", "Quote expired", "Quote " + q.Reference + " expired without a decision", actionURL
	default:
		return "quote_updated", "Quote updated", "Quote " + q.Reference + " is now " + string(q.Status), actionURL
	}
}

func (s *Service) load(ctx context.Context, id string) (Quote, error) {
	if strings.TrimSpace(id) == "" {
		return Quote{}, fmt.Errorf("%w: quote id is required", ErrValidation)
	}
	q, err := s.store.GetQuote(ctx, id)
	if err != nil {
		return Quote{}, mapStoreErr(err)
	}
	return q, nil
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}
