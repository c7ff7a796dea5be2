package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"quotedesk.org/internal/auth"
	"quotedesk.org/internal/cache"
	"quotedesk.org/internal/quote"
)

type quoteResponse struct {
	Success bool        `json:"success"`
	Quote   quote.Quote `json:"quote"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type approveRequest struct {
	Notes string `json:"notes"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type expireRequest struct {
	OlderThan string `json:"older_than"` // Go duration, e.g. "720h"
	Limit     int    `json:"limit"`
}

// handleQuoteRequests accepts a quote creation request from the checkout flow.
func (a *API) handleQuoteRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var in quote.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if uid, ok := auth.UserIDFromContext(r.Context()); ok && in.OwnerUserID == "" {
		in.OwnerUserID = uid
	}

	q, err := a.quotes.Create(r.Context(), in)
	if err != nil {
		handleQuoteError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/quotes/"+q.ID)
	writeJSON(w, http.StatusCreated, quoteResponse{Success: true, Quote: q})
}

// handleQuotesCollection serves account-area reads: lookup by reference or a
// buyer's quote list.
func (a *API) handleQuotesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	if ref := strings.TrimSpace(r.URL.Query().Get("reference")); ref != "" {
		q, err := a.quotes.GetByReference(r.Context(), ref)
		if err != nil {
			handleQuoteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
		return
	}

	buyer := strings.TrimSpace(r.URL.Query().Get("buyer"))
	if buyer == "" {
		writeError(w, r, http.StatusBadRequest, "reference or buyer query parameter is required")
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.cached(r.Context(), cache.KeyBuyerQuotesPage(buyer, offset, limit), cache.TTLShort,
		func(ctx context.Context) (any, error) {
			return a.quotes.ListByBuyer(ctx, buyer, limit, offset)
		})
	if err != nil {
		handleQuoteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// handleQuoteResource serves GET /v1/quotes/{id} and /v1/quotes/{id}/events.
func (a *API) handleQuoteResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/quotes/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/events"); ok {
		id = strings.TrimSuffix(id, "/")
		out, err := a.cached(r.Context(), cache.KeyQuoteEvents(id), cache.TTLMedium,
			func(ctx context.Context) (any, error) {
				return a.quotes.Events(ctx, id)
			})
		if err != nil {
			handleQuoteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	out, err := a.cached(r.Context(), cache.KeyQuote(path), cache.TTLMedium,
		func(ctx context.Context) (any, error) {
			return a.quotes.Get(ctx, path)
		})
	if err != nil {
		handleQuoteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminQuotes serves one dashboard page filtered by status.
func (a *API) handleAdminQuotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	st, err := quote.ParseStatus(status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "status query parameter is required and must be a known status")
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.cached(r.Context(), cache.KeyDashboardStatusPage(string(st), offset, limit), cache.TTLRealtime,
		func(ctx context.Context) (any, error) {
			return a.quotes.ListByStatus(ctx, st, limit, offset)
		})
	if err != nil {
		handleQuoteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// handleAdminQuoteStats serves per-status counts for dashboard widgets.
func (a *API) handleAdminQuoteStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	statuses := []quote.Status{
		quote.StatusDraft, quote.StatusPending, quote.StatusNegotiating,
		quote.StatusAccepted, quote.StatusRejected, quote.StatusExpired,
	}
	counts := make(map[string]int64, len(statuses))
	for _, st := range statuses {
		st := st
		v, err := a.cached(r.Context(), cache.KeyDashboardStatusCount(string(st)), cache.TTLRealtime,
			func(ctx context.Context) (any, error) {
				return a.quotes.CountByStatus(ctx, st)
			})
		if err != nil {
			handleQuoteError(w, r, err)
			return
		}
		counts[strings.ToLower(string(st))] = v.(int64)
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts, "as_of": time.Now().UTC()})
}

// handleAdminExpire runs the expiry sweep over stale non-terminal quotes.
func (a *API) handleAdminExpire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	var req expireRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil || olderThan <= 0 {
		writeError(w, r, http.StatusBadRequest, "older_than must be a positive duration")
		return
	}

	expired, err := a.quotes.ExpireStale(r.Context(), olderThan, req.Limit)
	if err != nil {
		handleQuoteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "expired": expired})
}

// handleAdminQuoteAction routes /v1/admin/quotes/{id} and its sub-actions
// (approve, reject, status).
func (a *API) handleAdminQuoteAction(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())

	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/quotes/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			q, err := a.quotes.Get(r.Context(), id)
			if err != nil {
				handleQuoteError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, q)
		case http.MethodDelete:
			q, err := a.quotes.SoftDelete(r.Context(), id, actorID)
			if err != nil {
				handleQuoteError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, quoteResponse{Success: true, Quote: q})
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}

	case "approve":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req approveRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		q, err := a.quotes.Approve(r.Context(), id, actorID, req.Notes)
		if err != nil {
			handleQuoteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, quoteResponse{Success: true, Quote: q})

	case "reject":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req rejectRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		q, err := a.quotes.Reject(r.Context(), id, actorID, req.Reason)
		if err != nil {
			handleQuoteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, quoteResponse{Success: true, Quote: q})

	case "status":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req setStatusRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		q, err := a.quotes.SetStatus(r.Context(), id, actorID, quote.Status(strings.ToUpper(strings.TrimSpace(req.Status))))
		if err != nil {
			handleQuoteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, quoteResponse{Success: true, Quote: q})

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// cached routes a read through the cache when one is configured.
func (a *API) cached(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, error) {
	if a.cache == nil {
		return compute(ctx)
	}
	return a.cache.GetOrCompute(ctx, key, ttl, compute)
}
