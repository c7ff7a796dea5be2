package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"quotedesk.org/internal/notify"
)

// handleNotifications lists the admin notification feed, newest first.
func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"

	items, err := a.notices.List(r.Context(), notify.RecipientAll, unreadOnly, limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleUnreadCount serves the badge counter for the admin shell.
func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	count, err := a.notices.UnreadCount(r.Context(), notify.RecipientAll)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

// handleMarkAllRead clears the unread state for the whole admin feed.
func (a *API) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	updated, err := a.notices.MarkAllRead(r.Context(), notify.RecipientAll)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": updated})
}

// handleNotificationResource routes /v1/admin/notifications/{id} and
// /v1/admin/notifications/{id}/read.
func (a *API) handleNotificationResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/notifications/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if err := a.notices.Delete(r.Context(), id); err != nil {
			handleNotifyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "read":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		n, err := a.notices.MarkRead(r.Context(), id)
		if err != nil {
			handleNotifyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "notification": n})

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func handleNotifyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, notify.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "notification not found")
		return
	}
	writeError(w, r, http.StatusInternalServerError, "internal error")
}
