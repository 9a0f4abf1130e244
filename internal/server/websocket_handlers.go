package server

import (
	"log"

	"linkpilot/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// AgentWebsocketHandler handles the automation agent's connection. One agent
// per user; a reconnect replaces the previous socket.
func (s *Server) AgentWebsocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			log.Printf("WebSocket Agent: unauthenticated connection attempt")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		userID := userIDVal.(uint)

		log.Printf("WebSocket: agent for user %d connected", userID)
		s.observer.Track(userID)

		client := s.bridge.Register(userID, conn)

		// WritePump in a goroutine, ReadPump blocks this handler until the
		// connection dies; the bridge decodes frames via its incoming handler.
		go client.WritePump()
		client.ReadPump()
	})
}

// FeedWebsocketHandler handles user-facing feed connections. Every device the
// user has open receives the store-change pushes for their posts.
func (s *Server) FeedWebsocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			log.Printf("WebSocket Feed: unauthenticated connection attempt")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		userID := userIDVal.(uint)

		if s.hub == nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"feed unavailable"}`))
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(userID, conn)
		if err != nil {
			log.Printf("WebSocket Feed: failed to register user %d: %v", userID, err)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}

		s.observer.Track(userID)
		log.Printf("WebSocket: user %d connected to feed", userID)

		go client.WritePump()
		client.ReadPump()
	})
}
