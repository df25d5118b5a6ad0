package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/researchspace/researchspace-sub019/internal/eventbus"
	"github.com/researchspace/researchspace-sub019/internal/observability"
)

const streamWriteTimeout = 5 * time.Second

// streamEvents bridges one bus subscription to a websocket client. The subscription lives
// exactly as long as the socket.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := eventbus.Filter{
		EventType: query.Get("eventType"),
		Source:    query.Get("source"),
		Target:    query.Get("target"),
	}

	// Cross-origin upgrades are refused unless the origin matches a configured pattern.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Info("event stream upgrade rejected",
			observability.F("origin", r.Header.Get("Origin")),
			observability.F("error", err))
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	// Clients never send frames; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	sub, err := s.bus.Listen(filter).Subscribe(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "event bus unavailable")
		return
	}
	defer sub.Close()

	s.logger.Debug("event stream opened",
		observability.F("subscription", string(sub.ID())),
		observability.F("event_type", filter.EventType),
		observability.F("source", filter.Source),
		observability.F("target", filter.Target))

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			data, err := encodeJSON(evt)
			if err != nil {
				s.logger.Error("event stream encode failed",
					observability.F("event_type", evt.Type),
					observability.F("error", err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("event stream write failed",
					observability.F("subscription", string(sub.ID())),
					observability.F("error", err))
				return
			}
		}
	}
}
