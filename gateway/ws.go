// ABOUTME: WebSocket feed of research events for a whole profile, one socket per dashboard session.
// ABOUTME: The reader goroutine only watches for close; all writes happen on the handler goroutine.

package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pandora-research/pandora/trace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway fronts local tooling; origin enforcement belongs to a proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsEnvelope struct {
	Type    string      `json:"type"`
	Seq     int64       `json:"seq"`
	TraceID string      `json:"trace_id"`
	Data    trace.Event `json:"data"`
}

// handleResearchWS streams every event for a profile's traces over one socket.
// The session path segment names the profile to follow.
func (s *Server) handleResearchWS(w http.ResponseWriter, r *http.Request) {
	profile := chi.URLParam(r, "session")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade for %s: %v", profile, err)
		return
	}
	connID := uuid.NewString()
	defer conn.Close()

	sub := s.hub.SubscribeProfile(profile)
	defer sub.Cancel()

	// Drain the reader so control frames are processed and we notice closes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	log.Printf("ws %s following profile %s", connID, profile)

	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			env := wsEnvelope{Type: evt.Type, Seq: evt.Seq, TraceID: evt.TraceID, Data: evt}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
