package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/observability"
)

const eventWriteTimeout = 5 * time.Second

// streamEvents upgrades to a WebSocket and forwards bus events as JSON text
// frames. ?kinds=A,B narrows the subscription.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	var kinds []schema.EventKind
	if raw := strings.TrimSpace(r.URL.Query().Get("kinds")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if k := strings.ToUpper(strings.TrimSpace(part)); k != "" {
				kinds = append(kinds, schema.EventKind(k))
			}
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.deps.Logger.Error("api: websocket accept failed", observability.Err(err))
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	id, events, err := s.deps.Events.Subscribe(ctx, kinds...)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer s.deps.Events.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt schema.StreamEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
