package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// StreamNotifications handles Server-Sent Events for the admin notification
// feed. Each broadcast notification is delivered as one `data:` frame.
func (a *API) StreamNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	if a.notices == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.notices.Subscribe(ctx)

	// Initial comment establishes the stream for the client.
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for n := range ch {
		payload, err := json.Marshal(n)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
