package httpapi

import (
	"fmt"
	"net/http"
)

// handleEvents streams bus events as server-sent events. Slow clients
// miss events rather than stalling publishers; the bus drops instead
// of blocking.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		writeError(w, http.StatusNotFound, "events unavailable", "")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := a.bus.Subscribe(128)
	defer a.bus.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-sub.C:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
			flusher.Flush()
		}
	}
}
