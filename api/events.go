package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ffs/balance-engine/ledger"
)

// heartbeat keeps idle proxies from closing the stream.
var heartbeat = 25 * time.Second

// StreamEvents sends the caller's committed changes as server-sent events.
// Delivery is at-most-once: a client that falls behind misses changes and
// should refetch.
//
//	GET /api/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		h.fail(w, r, &ledger.DependencyError{Op: "stream events", Err: errors.New("notifications are not enabled")})
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	owner := ownerFrom(r.Context())
	changes, cancel := h.Events.Subscribe(owner)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		h.Logger.Warn("event stream without flush support", "error", err)
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				h.Logger.Error("encode change", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
