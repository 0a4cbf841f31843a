package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-agent/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamed are the topics pushed to /ws clients.
var streamed = []events.Event{
	events.EventOrderUpdate,
	events.EventPosition,
	events.EventDiscrepancy,
	events.EventRiskAlert,
	events.EventReconcileDone,
}

type wsMessage struct {
	Event events.Event `json:"event"`
	Data  any          `json:"data"`
}

// websocket pushes agent events to the client until it disconnects.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out := make(chan wsMessage, 64)
	for _, ev := range streamed {
		ch, unsub := s.bus.Subscribe(ev, 64)
		defer unsub()
		go func(ev events.Event, ch <-chan any) {
			for payload := range ch {
				select {
				case out <- wsMessage{Event: ev, Data: payload}:
				default:
				}
			}
		}(ev, ch)
	}

	// the read side only notices the close frame
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("ws write failed")
				return
			}
		}
	}
}
