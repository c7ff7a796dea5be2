package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"quotedesk.org/internal/quote"
)

var quoteCols = []string{"id", "reference", "status", "buyer_contact_email",
	"buyer_contact_phone", "buyer_company_id", "owner_user_id",
	"total_amount", "rejection_reason", "created_at", "updated_at", "deleted_at"}

var lineCols = []string{"id", "quote_id", "product_id", "product_name", "product_sku",
	"qty", "unit_price", "description"}

func testQuote() (quote.Quote, quote.Event) {
	now := time.Now().UTC()
	q := quote.Quote{
		ID:                "q1",
		Reference:         "QR-TEST",
		Status:            quote.StatusPending,
		BuyerContactEmail: "buyer@example.com",
		TotalAmount:       4500,
		Lines: []quote.Line{
			{ID: "l1", QuoteID: "q1", ProductName: "Widget A", Qty: 3, UnitPrice: 1500},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	ev := quote.Event{
		ID:        "e1",
		QuoteID:   "q1",
		ActorID:   "system",
		Type:      quote.EventCreated,
		Payload:   map[string]any{"reference": "QR-TEST"},
		CreatedAt: now,
	}
	return q, ev
}

func TestInsertQuoteCommitsAtomically(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)
	q, ev := testQuote()

	mock.ExpectBegin()
	mock.ExpectExec("insert into quotes").
		WithArgs(q.ID, q.Reference, string(q.Status), q.BuyerContactEmail, "", "", "",
			q.TotalAmount, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into quote_lines").
		WithArgs("l1", "q1", "", "Widget A", "", int64(3), int64(1500), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into quote_events").
		WithArgs(ev.ID, ev.QuoteID, ev.ActorID, ev.Type, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(1))
	mock.ExpectCommit()

	if _, err := s.InsertQuoteWithLinesAndEvent(context.Background(), q, ev); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertQuoteRollsBackOnLineFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)
	q, ev := testQuote()

	mock.ExpectBegin()
	mock.ExpectExec("insert into quotes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into quote_lines").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := s.InsertQuoteWithLinesAndEvent(context.Background(), q, ev); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertQuoteReferenceCollision(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)
	q, ev := testQuote()

	mock.ExpectBegin()
	mock.ExpectExec("insert into quotes").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "quotes_reference_key"})
	mock.ExpectRollback()

	if _, err := s.InsertQuoteWithLinesAndEvent(context.Background(), q, ev); !errors.Is(err, quote.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateStatusLostRaceIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)
	_, ev := testQuote()

	mock.ExpectBegin()
	mock.ExpectExec("update quotes").
		WithArgs("q1", "PENDING", "ACCEPTED", "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from quotes").
		WithArgs("q1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	_, err = s.UpdateStatus(context.Background(), "q1", quote.StatusPending, quote.StatusAccepted, "", ev)
	if !errors.Is(err, quote.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateStatusUnknownIDIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)
	_, ev := testQuote()

	mock.ExpectBegin()
	mock.ExpectExec("update quotes").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from quotes").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	_, err = s.UpdateStatus(context.Background(), "missing", quote.StatusPending, quote.StatusAccepted, "", ev)
	if !errors.Is(err, quote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateStatusCommitsEventAndReload(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)
	_, ev := testQuote()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update quotes").
		WithArgs("q1", "PENDING", "REJECTED", "too expensive").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into quote_events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(2))
	mock.ExpectQuery("select id, reference").
		WithArgs("q1").
		WillReturnRows(sqlmock.NewRows(quoteCols).
			AddRow("q1", "QR-TEST", "REJECTED", "buyer@example.com", "", "", "",
				int64(4500), "too expensive", now, now, nil))
	mock.ExpectQuery("from quote_lines").
		WithArgs("q1").
		WillReturnRows(sqlmock.NewRows(lineCols).
			AddRow("l1", "q1", "", "Widget A", "", int64(3), int64(1500), ""))
	mock.ExpectCommit()

	got, err := s.UpdateStatus(context.Background(), "q1", quote.StatusPending, quote.StatusRejected, "too expensive", ev)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != quote.StatusRejected || got.RejectionReason != "too expensive" {
		t.Fatalf("unexpected quote %#v", got)
	}
	if len(got.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(got.Lines))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSoftDeleteSecondCallSkipsEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)
	_, ev := testQuote()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update quotes set deleted_at").
		WillReturnResult(sqlmock.NewResult(0, 0)) // already deleted
	mock.ExpectQuery("select id, reference").
		WillReturnRows(sqlmock.NewRows(quoteCols).
			AddRow("q1", "QR-TEST", "PENDING", "buyer@example.com", "", "", "",
				int64(4500), "", now, now, now))
	mock.ExpectQuery("from quote_lines").
		WillReturnRows(sqlmock.NewRows(lineCols))
	mock.ExpectCommit()

	got, err := s.SoftDelete(context.Background(), "q1", now, ev)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeletedAt == nil {
		t.Fatal("expected DeletedAt set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetQuoteNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)

	mock.ExpectQuery("select id, reference").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(quoteCols))

	if _, err := s.GetQuote(context.Background(), "missing"); !errors.Is(err, quote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEventsDecodesPayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery("from quote_events").
		WithArgs("q1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "quote_id", "actor_id", "event_type", "payload", "sequence", "created_at"}).
			AddRow("e1", "q1", "system", "created", []byte(`{"reference":"QR-TEST"}`), uint64(1), now).
			AddRow("e2", "q1", "admin-1", "approved", []byte(`{"from":"PENDING","to":"ACCEPTED"}`), uint64(2), now))

	evs, err := s.ListEvents(context.Background(), "q1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Payload["reference"] != "QR-TEST" {
		t.Fatalf("payload not decoded: %#v", evs[0].Payload)
	}
	if evs[1].Sequence != 2 {
		t.Fatalf("unexpected sequence %d", evs[1].Sequence)
	}
}

func TestCountByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db)

	mock.ExpectQuery(`select count\(\*\) from quotes`).
		WithArgs("PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountByStatus(context.Background(), quote.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("expected 7, got %d", n)
	}
}
