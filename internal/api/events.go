package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dhan-tracker/internal/stream"
)

// eventPing keeps idle event streams open through proxies.
var eventPing = 30 * time.Second

// handleEvents streams finished passes and executed triggers as
// Server-Sent Events. ?kind=pass,trigger narrows the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var kinds []stream.Kind
	if filter := r.URL.Query().Get("kind"); filter != "" {
		for _, k := range strings.Split(filter, ",") {
			kind := stream.Kind(strings.TrimSpace(k))
			if kind != stream.KindPass && kind != stream.KindTrigger {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event kind %q", k))
				return
			}
			kinds = append(kinds, kind)
		}
	}

	ch := s.events.Subscribe(kinds...)
	defer s.events.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.log.Debug().Str("kind", r.URL.Query().Get("kind")).Msg("Event stream client connected")

	ping := time.NewTicker(eventPing)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug().Msg("Event stream client disconnected")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error().Err(err).Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
