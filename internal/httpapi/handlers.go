package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quotedesk.org/internal/cache"
	"quotedesk.org/internal/notify"
	"quotedesk.org/internal/obs"
	"quotedesk.org/internal/quote"
)

// ReadyProbe is a readiness check, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the quote lifecycle core.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	quotes  *quote.Service
	notices *notify.Broadcaster
	cache   *cache.Cache

	rateBurst  int
	ratePerSec int
}

// New wires routes. quotes is required; notices and c may be nil (the
// corresponding routes answer 503 / skip caching).
func New(rp ReadyProbe, version string, quotes *quote.Service, notices *notify.Broadcaster, c *cache.Cache) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		quotes:     quotes,
		notices:    notices,
		cache:      c,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// buyer-facing quote endpoints
	a.mux.HandleFunc("/v1/quote-requests", a.handleQuoteRequests)
	a.mux.HandleFunc("/v1/quotes", a.handleQuotesCollection)
	a.mux.HandleFunc("/v1/quotes/", a.handleQuoteResource)

	// admin back office
	a.mux.HandleFunc("/v1/admin/quotes", a.handleAdminQuotes)
	a.mux.HandleFunc("/v1/admin/quotes/stats", a.handleAdminQuoteStats)
	a.mux.HandleFunc("/v1/admin/quotes/expire", a.handleAdminExpire)
	a.mux.HandleFunc("/v1/admin/quotes/", a.handleAdminQuoteAction)
	a.mux.HandleFunc("/v1/admin/notifications", a.handleNotifications)
	a.mux.HandleFunc("/v1/admin/notifications/unread-count", a.handleUnreadCount)
	a.mux.HandleFunc("/v1/admin/notifications/read-all", a.handleMarkAllRead)
	a.mux.HandleFunc("/v1/admin/notifications/stream", a.StreamNotifications)
	a.mux.HandleFunc("/v1/admin/notifications/", a.handleNotificationResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(http.Handler(a.mux))
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health/info ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "quotedesk-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "quotedesk-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"success": false,
		"error":   msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePage(r *http.Request) (limit, offset int, err error) {
	limit, err = parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, 1000)
	if err != nil {
		return 0, 0, errors.New("limit must be an integer between 1 and 1000")
	}
	offset, err = parseBoundedInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
	if err != nil {
		return 0, 0, errors.New("offset must be a non-negative integer")
	}
	return limit, offset, nil
}

func parseBoundedInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < min || val > max {
		return 0, errors.New("out of range")
	}
	return val, nil
}

func handleQuoteError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, quote.ErrValidation), errors.Is(err, quote.ErrInvalidStatus):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, quote.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, quote.ErrInvalidState):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, quote.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, quote.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
