package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"broadcastd/internal/broadcast"
	logx "broadcastd/pkg/logx"
)

var streamTypes = []string{
	broadcast.EventStarted,
	broadcast.EventRecord,
	broadcast.EventProgress,
	broadcast.EventCancelled,
	broadcast.EventFinished,
}

// handleStream sends dispatcher events as SSE. The first event is a
// "snapshot" of the current run so clients can render before updates arrive.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if a.bus == nil {
		writeErr(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	events, unsub := a.bus.Subscribe(512, streamTypes...)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(":ok\n\n"))
	if err := writeEvent(w, "snapshot", a.svc.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	hb := time.NewTicker(a.opts.Heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-hb.C:
			if _, err := w.Write([]byte(":ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e.Type, e.Data); err != nil {
				a.reqLog(r).Debug("sse client gone", logx.Err(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, typ string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + typ + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
