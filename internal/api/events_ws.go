package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/keybroker/internal/events"
)

// wireEvent is the frame sent to websocket subscribers.
type wireEvent struct {
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   interface{}      `json:"payload"`
}

// StreamEvents upgrades to a websocket and forwards every bus event until
// the client disconnects. Events the bus drops for slow subscribers are
// simply absent from the stream; the connection stays up.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	ch, unsub := s.Bus.Subscribe()
	defer unsub()

	// Drain reads so we notice the client going away.
	readCtx := conn.CloseRead(ctx)

	for {
		select {
		case <-readCtx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			frame, err := json.Marshal(wireEvent{
				Type:      e.Type,
				Timestamp: e.Timestamp,
				Payload:   e.Payload,
			})
			if err != nil {
				log.Printf("[events] Failed to encode %s event: %v", e.Type, err)
				continue
			}
			if err := conn.Write(readCtx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}
