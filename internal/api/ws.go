package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/da2ce7/torrust-tracker/pkg/log"
)

const statsPushInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is token-protected and not served to browsers cross-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket streams the aggregate stats to the client until the
// connection drops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", log.Err(err))
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statsPushInterval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(s.buildStats()); err != nil {
			return
		}
		<-ticker.C
	}
}
