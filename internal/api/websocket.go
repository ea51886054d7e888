package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// wsEnvelope wraps a relayed event with its subject.
type wsEnvelope struct {
	Subject string          `json:"subject"`
	Event   json.RawMessage `json:"event"`
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	s.wsMu.Lock()
	s.wsClients[client.id] = client
	s.wsMu.Unlock()

	go s.wsReadPump(client)
	go s.wsWritePump(client)
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, client.id)
		s.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	// The stream is one-way; reads only detect disconnects.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (s *Server) broadcast(subject string, event []byte) {
	payload, err := json.Marshal(wsEnvelope{Subject: subject, Event: event})
	if err != nil {
		s.log.Warn("failed to marshal ws envelope", zap.Error(err))
		return
	}

	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	for _, client := range s.wsClients {
		select {
		case client.send <- payload:
		default:
			// Slow consumer; drop rather than block the relay.
		}
	}
}
