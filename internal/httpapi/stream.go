package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
)

// handleStream relays the tenant's service events as server-sent events
// until the client goes away. Comment lines keep idle proxies from closing
// the connection.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		a.writeError(w, r, apperr.New(apperr.CodeInternal, "event stream unavailable"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, r, apperr.New(apperr.CodeInternal, "streaming unsupported"))
		return
	}

	actor := actorFrom(r)
	events, cancel := a.hub.Subscribe(actor.TenantID)
	defer cancel()

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, "retry: 2000\n\n"); err != nil {
		return
	}
	flusher.Flush()
	a.log.Info(r.Context(), "stream.subscribed")

	ctx := r.Context()
	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				a.log.Warn(a.log.WithField(ctx, "event", string(evt.Type)), "stream.write_failed")
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}
