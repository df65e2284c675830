package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is one WebSocket subscriber. Clients pick the auctions they
// follow; activation notices go to everyone.
type WSClient struct {
	ID       uuid.UUID
	Conn     *websocket.Conn
	Send     chan []byte
	Done     chan struct{}
	auctions map[uuid.UUID]bool
}

// Hub fans auction events out to WebSocket subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*WSClient
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]*WSClient)}
}

// Attach subscribes the hub to the live event subjects.
func (h *Hub) Attach(events *messaging.Client) error {
	if err := events.Subscribe(messaging.EventTypeBidAccepted, func(msg *nats.Msg) {
		var event messaging.BidAcceptedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		h.BroadcastToAuction(event.AuctionID, msg.Subject, msg.Data)
	}); err != nil {
		return err
	}
	if err := events.Subscribe(messaging.EventTypeRoundFinished, func(msg *nats.Msg) {
		var event messaging.RoundFinishedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil || event.Auction == nil {
			return
		}
		h.BroadcastToAuction(event.Auction.ID, msg.Subject, msg.Data)
	}); err != nil {
		return err
	}
	return events.Subscribe(messaging.EventTypeAuctionActivated, func(msg *nats.Msg) {
		h.Broadcast(msg.Subject, msg.Data)
	})
}

type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func envelope(subject string, payload []byte) []byte {
	out, _ := json.Marshal(wsEnvelope{Type: subject, Payload: payload})
	return out
}

// BroadcastToAuction delivers an event to clients following the auction.
// Slow clients drop messages rather than block the hub.
func (h *Hub) BroadcastToAuction(auctionID uuid.UUID, subject string, payload []byte) {
	message := envelope(subject, payload)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.auctions[auctionID] {
			continue
		}
		select {
		case client.Send <- message:
		default:
		}
	}
}

// Broadcast delivers an event to every connected client.
func (h *Hub) Broadcast(subject string, payload []byte) {
	message := envelope(subject, payload)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Send <- message:
		default:
		}
	}
}

func (h *Hub) register(client *WSClient) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
}

func (h *Hub) unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
}

func (h *Hub) subscribe(client *WSClient, auctionID uuid.UUID) {
	h.mu.Lock()
	client.auctions[auctionID] = true
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(client *WSClient, auctionID uuid.UUID) {
	h.mu.Lock()
	delete(client.auctions, auctionID)
	h.mu.Unlock()
}

// WebSocket endpoint

type wsCommand struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:       uuid.New(),
		Conn:     conn,
		Send:     make(chan []byte, 16),
		Done:     make(chan struct{}),
		auctions: make(map[uuid.UUID]bool),
	}
	s.hub.register(client)

	go s.wsReadPump(client)
	go s.wsWritePump(client)
}

func (s *Server) wsReadPump(client *WSClient) {
	defer func() {
		s.hub.unregister(client)
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}
		auctionID, err := uuid.Parse(cmd.AuctionID)
		if err != nil {
			continue
		}

		switch cmd.Type {
		case "subscribe":
			s.hub.subscribe(client, auctionID)
			log.WithFields(log.Fields{"client_id": client.ID, "auction_id": auctionID}).
				Debug("websocket subscribed to auction")
		case "unsubscribe":
			s.hub.unsubscribe(client, auctionID)
		}
	}
}

func (s *Server) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}
