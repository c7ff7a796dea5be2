// Package pg implements the quote and notification stores on PostgreSQL via
// the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"quotedesk.org/internal/quote"
)

// Store implements quote.Store.
type Store struct {
	db *sql.DB
}

var _ quote.Store = (*Store)(nil)

// Open connects to PostgreSQL with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection pool. Used by tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) InsertQuoteWithLinesAndEvent(ctx context.Context, q quote.Quote, ev quote.Event) (quote.Quote, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quote.Quote{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into quotes(id, reference, status, buyer_contact_email, buyer_contact_phone,
			buyer_company_id, owner_user_id, total_amount, created_at, updated_at)
		values ($1,$2,$3,$4,nullif($5,''),nullif($6,''),nullif($7,''),$8,$9,$10)
	`, q.ID, q.Reference, string(q.Status), q.BuyerContactEmail, q.BuyerContactPhone,
		q.BuyerCompanyID, q.OwnerUserID, q.TotalAmount, q.CreatedAt, q.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return quote.Quote{}, quote.ErrConflict
		}
		return quote.Quote{}, err
	}

	for _, ln := range q.Lines {
		if _, err := tx.ExecContext(ctx, `
			insert into quote_lines(id, quote_id, product_id, product_name, product_sku, qty, unit_price, description)
			values ($1,$2,nullif($3,''),$4,nullif($5,''),$6,$7,nullif($8,''))
		`, ln.ID, ln.QuoteID, ln.ProductID, ln.ProductName, ln.ProductSKU, ln.Qty, ln.UnitPrice, ln.Description); err != nil {
			return quote.Quote{}, err
		}
	}

	if _, err := insertEvent(ctx, tx, ev); err != nil {
		return quote.Quote{}, err
	}

	if err := tx.Commit(); err != nil {
		return quote.Quote{}, err
	}
	return q, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, expected, next quote.Status, reason string, ev quote.Event) (quote.Quote, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quote.Quote{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update quotes
		set status=$3, rejection_reason=coalesce(nullif($4,''), rejection_reason), updated_at=now()
		where id=$1 and status=$2
	`, id, string(expected), string(next), reason)
	if err != nil {
		return quote.Quote{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return quote.Quote{}, err
	}
	if affected == 0 {
		// Distinguish a lost race from an unknown id.
		var one int
		err := tx.QueryRowContext(ctx, `select 1 from quotes where id=$1`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return quote.Quote{}, quote.ErrNotFound
		}
		if err != nil {
			return quote.Quote{}, err
		}
		return quote.Quote{}, quote.ErrConflict
	}

	if _, err := insertEvent(ctx, tx, ev); err != nil {
		return quote.Quote{}, err
	}

	q, err := getQuoteTx(ctx, tx, id)
	if err != nil {
		return quote.Quote{}, err
	}

	if err := tx.Commit(); err != nil {
		return quote.Quote{}, err
	}
	return q, nil
}

func (s *Store) SoftDelete(ctx context.Context, id string, at time.Time, ev quote.Event) (quote.Quote, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quote.Quote{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update quotes set deleted_at=$2, updated_at=$2
		where id=$1 and deleted_at is null
	`, id, at)
	if err != nil {
		return quote.Quote{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return quote.Quote{}, err
	}
	if affected > 0 {
		if _, err := insertEvent(ctx, tx, ev); err != nil {
			return quote.Quote{}, err
		}
	}

	q, err := getQuoteTx(ctx, tx, id)
	if err != nil {
		return quote.Quote{}, err
	}

	if err := tx.Commit(); err != nil {
		return quote.Quote{}, err
	}
	return q, nil
}

func (s *Store) GetQuote(ctx context.Context, id string) (quote.Quote, error) {
	return getQuoteTx(ctx, s.db, id)
}

func (s *Store) GetByReference(ctx context.Context, reference string) (quote.Quote, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `select id from quotes where reference=$1`, reference).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return quote.Quote{}, quote.ErrNotFound
	}
	if err != nil {
		return quote.Quote{}, err
	}
	return getQuoteTx(ctx, s.db, id)
}

func (s *Store) ListByStatus(ctx context.Context, st quote.Status, limit, offset int) ([]quote.Quote, error) {
	limit, offset = clampPage(limit, offset)
	return s.listQuotes(ctx, `
		select `+quoteColumns+` from quotes
		where status=$1 and deleted_at is null
		order by created_at desc limit $2 offset $3
	`, string(st), limit, offset)
}

func (s *Store) ListByBuyer(ctx context.Context, buyerEmail string, limit, offset int) ([]quote.Quote, error) {
	limit, offset = clampPage(limit, offset)
	return s.listQuotes(ctx, `
		select `+quoteColumns+` from quotes
		where buyer_contact_email=$1 and deleted_at is null
		order by created_at desc limit $2 offset $3
	`, buyerEmail, limit, offset)
}

func (s *Store) CountByStatus(ctx context.Context, st quote.Status) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		select count(*) from quotes where status=$1 and deleted_at is null
	`, string(st)).Scan(&n)
	return n, err
}

func (s *Store) ListEvents(ctx context.Context, quoteID string) ([]quote.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, quote_id, actor_id, event_type, payload, sequence, created_at
		from quote_events where quote_id=$1 order by sequence asc
	`, quoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quote.Event
	for rows.Next() {
		var ev quote.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.QuoteID, &ev.ActorID, &ev.Type, &payload, &ev.Sequence, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ListStaleNonTerminal(ctx context.Context, cutoff time.Time, limit int) ([]quote.Quote, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.listQuotes(ctx, `
		select `+quoteColumns+` from quotes
		where status in ('DRAFT','PENDING','NEGOTIATING') and deleted_at is null and updated_at < $1
		order by updated_at asc limit $2
	`, cutoff, limit)
}

const quoteColumns = `id, reference, status, buyer_contact_email,
		coalesce(buyer_contact_phone,''), coalesce(buyer_company_id,''), coalesce(owner_user_id,''),
		total_amount, coalesce(rejection_reason,''), created_at, updated_at, deleted_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getQuoteTx(ctx context.Context, q querier, id string) (quote.Quote, error) {
	row := q.QueryRowContext(ctx, `select `+quoteColumns+` from quotes where id=$1`, id)
	out, err := scanQuote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return quote.Quote{}, quote.ErrNotFound
	}
	if err != nil {
		return quote.Quote{}, err
	}

	rows, err := q.QueryContext(ctx, `
		select id, quote_id, coalesce(product_id,''), product_name, coalesce(product_sku,''),
			qty, unit_price, coalesce(description,'')
		from quote_lines where quote_id=$1 order by id asc
	`, id)
	if err != nil {
		return quote.Quote{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var ln quote.Line
		if err := rows.Scan(&ln.ID, &ln.QuoteID, &ln.ProductID, &ln.ProductName, &ln.ProductSKU,
			&ln.Qty, &ln.UnitPrice, &ln.Description); err != nil {
			return quote.Quote{}, err
		}
		out.Lines = append(out.Lines, ln)
	}
	return out, rows.Err()
}

func (s *Store) listQuotes(ctx context.Context, query string, args ...any) ([]quote.Quote, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quote.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanQuote(r rowScanner) (quote.Quote, error) {
	var q quote.Quote
	var status string
	var deletedAt sql.NullTime
	if err := r.Scan(&q.ID, &q.Reference, &status, &q.BuyerContactEmail, &q.BuyerContactPhone,
		&q.BuyerCompanyID, &q.OwnerUserID, &q.TotalAmount, &q.RejectionReason,
		&q.CreatedAt, &q.UpdatedAt, &deletedAt); err != nil {
		return quote.Quote{}, err
	}
	q.Status = quote.Status(status)
	if deletedAt.Valid {
		stamp := deletedAt.Time
		q.DeletedAt = &stamp
	}
	return q, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEvent(ctx context.Context, tx execer, ev quote.Event) (uint64, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode event payload: %w", err)
	}
	if ev.Payload == nil {
		payload = []byte(`{}`)
	}
	var seq uint64
	err = tx.QueryRowContext(ctx, `
		insert into quote_events(id, quote_id, actor_id, event_type, payload, created_at)
		values ($1,$2,$3,$4,$5,$6) returning sequence
	`, ev.ID, ev.QuoteID, ev.ActorID, ev.Type, payload, ev.CreatedAt).Scan(&seq)
	return seq, err
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
