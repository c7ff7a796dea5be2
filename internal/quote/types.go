package quote

import (
	"errors"
	"strings"
	"time"
)

// Status is the closed set of workflow states a quote can be in.
type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusPending     Status = "PENDING"
	StatusNegotiating Status = "NEGOTIATING"
	StatusAccepted    Status = "ACCEPTED"
	StatusRejected    Status = "REJECTED"
	StatusExpired     Status = "EXPIRED"
)

// ParseStatus validates a caller-supplied status string against the closed set.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusPending:
		return StatusPending, nil
	case StatusNegotiating:
		return StatusNegotiating, nil
	case StatusAccepted:
		return StatusAccepted, nil
	case StatusRejected:
		return StatusRejected, nil
	case StatusExpired:
		return StatusExpired, nil
	}
	return "", ErrInvalidStatus
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusExpired
}

// Decidable reports whether the quote may still be approved or rejected.
func (s Status) Decidable() bool {
	return s == StatusPending || s == StatusNegotiating
}

// Event types recorded in the append-only quote event log.
const (
	EventCreated       = "created"
	EventApproved      = "approved"
	EventRejected      = "rejected"
	EventStatusChanged = "status_changed"
	EventDeleted       = "deleted"
	EventExpired       = "expired"
)

// ActorSystem marks events not caused by a human actor (expiry sweeps etc.).
const ActorSystem = "system"

// Quote is a negotiated order request moving through the status workflow.
type Quote struct {
	ID                string     `json:"id"`
	Reference         string     `json:"reference"`
	Status            Status     `json:"status"`
	BuyerContactEmail string     `json:"buyer_contact_email"`
	BuyerContactPhone string     `json:"buyer_contact_phone,omitempty"`
	BuyerCompanyID    string     `json:"buyer_company_id,omitempty"`
	OwnerUserID       string     `json:"owner_user_id,omitempty"`
	TotalAmount       int64      `json:"total_amount"` // minor units, derived from lines
	RejectionReason   string     `json:"rejection_reason,omitempty"`
	Lines             []Line     `json:"lines"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the quote has not been soft deleted.
func (q Quote) Active() bool { return q.DeletedAt == nil }

// Line is one negotiated item, fixed at quote creation time.
type Line struct {
	ID          string `json:"id"`
	QuoteID     string `json:"quote_id"`
	ProductID   string `json:"product_id,omitempty"`
	ProductName string `json:"product_name"`
	ProductSKU  string `json:"product_sku,omitempty"`
	Qty         int64  `json:"qty"`
	UnitPrice   int64  `json:"unit_price,omitempty"` // minor units, 0 when not negotiated yet
	Description string `json:"description,omitempty"`
}

// Event is one append-only fact about a quote mutation. Sequence is assigned
// by the store and gives a per-quote creation-time total order.
type Event struct {
	ID        string         `json:"id"`
	QuoteID   string         `json:"quote_id"`
	ActorID   string         `json:"actor_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Sequence  uint64         `json:"sequence"`
	CreatedAt time.Time      `json:"created_at"`
}

// LineInput is a requested line item at creation time.
type LineInput struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	ProductSKU  string `json:"product_sku"`
	Qty         int64  `json:"qty"`
	UnitPrice   int64  `json:"unit_price"`
	Description string `json:"description"`
}

// CreateInput is a quote creation request from the checkout flow.
type CreateInput struct {
	Reference         string      `json:"reference"` // generated when empty
	BuyerContactEmail string      `json:"buyer_contact_email"`
	BuyerContactPhone string      `json:"buyer_contact_phone"`
	BuyerCompanyID    string      `json:"buyer_company_id"`
	OwnerUserID       string      `json:"owner_user_id"`
	Submit            bool        `json:"submit"` // request immediate PENDING submission
	Lines             []LineInput `json:"lines"`
}

var (
	ErrNotFound      = errors.New("quote not found")
	ErrConflict      = errors.New("conflicting concurrent update")
	ErrInvalidState  = errors.New("illegal status transition")
	ErrInvalidStatus = errors.New("unknown status")
	ErrValidation    = errors.New("invalid input")
	ErrUnauthorized  = errors.New("administrative capability required")
	ErrPersistence   = errors.New("storage failure")
)
