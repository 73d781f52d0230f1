package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/telepresence/internal/models"
	"github.com/mossy-p/telepresence/internal/registry"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	registryTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub routes signaling frames between the peers connected to this broker
type Hub struct {
	registry registry.Registry
	ttl      time.Duration

	mu      sync.RWMutex
	clients map[string]*Client // by peer id
}

// Client is one websocket holding a peer identity
type Client struct {
	PeerID string
	Owner  string // connection uuid stored in the registry
	Room   string
	Conn   *websocket.Conn
	Send   chan []byte
	done   chan struct{} // closed when readPump exits
}

func NewHub(reg registry.Registry, ttl time.Duration) *Hub {
	return &Hub{
		registry: reg,
		ttl:      ttl,
		clients:  make(map[string]*Client),
	}
}

// HandlePeer claims the requested peer id and relays SDP for it
func (h *Hub) HandlePeer(c *gin.Context) {
	peerID := c.Param("peerId")
	if peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peerId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		PeerID: peerID,
		Owner:  uuid.New().String(),
		Room:   models.RoomOf(peerID),
		Conn:   conn,
		Send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), registryTimeout)
	claimed, err := h.registry.Claim(ctx, peerID, client.Owner, h.ttl)
	cancel()
	if err != nil {
		log.Printf("Failed to claim %s: %v", peerID, err)
		h.reject(conn, models.SignalMessage{Type: models.SignalTypeError, Error: "registry unavailable"})
		return
	}
	if !claimed {
		log.Printf("Peer id %s already taken", peerID)
		h.reject(conn, models.SignalMessage{Type: models.SignalTypeIDTaken, PeerID: peerID})
		return
	}

	h.register(client)
	log.Printf("Peer %s connected (room %q)", peerID, client.Room)

	client.sendMessage(models.SignalMessage{Type: models.SignalTypeOpen, PeerID: peerID})

	go client.writePump()
	go h.readPump(client)
}

// reject writes a single frame and closes the socket
func (h *Hub) reject(conn *websocket.Conn, msg models.SignalMessage) {
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(msg.Type)))
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A lapsed claim can be retaken while the old socket lingers.
	if old, ok := h.clients[client.PeerID]; ok {
		old.Conn.Close()
	}
	h.clients[client.PeerID] = client
}

// unregister removes client, unless its peer id was retaken since
func (h *Hub) unregister(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.PeerID] != client {
		return false
	}
	delete(h.clients, client.PeerID)
	return true
}

func (h *Hub) lookup(peerID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[peerID]
}

// Disconnect closes the socket holding peerID, if any
func (h *Hub) Disconnect(peerID string) bool {
	client := h.lookup(peerID)
	if client == nil {
		return false
	}
	client.Conn.Close()
	return true
}

func (h *Hub) broadcastRoom(room string, msg models.SignalMessage, excludePeerID string) {
	if room == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for peerID, client := range h.clients {
		if peerID != excludePeerID && client.Room == room {
			client.sendMessage(msg)
		}
	}
}

func (h *Hub) relay(from *Client, msg models.SignalMessage) {
	msg.Src = from.PeerID
	msg.PeerID = ""

	target := h.lookup(msg.Dst)
	if target == nil {
		log.Printf("Target peer %s not connected, expiring %s from %s", msg.Dst, msg.ConnectionID, from.PeerID)
		from.sendMessage(models.SignalMessage{
			Type:         models.SignalTypeExpire,
			Dst:          msg.Dst,
			ConnectionID: msg.ConnectionID,
		})
		return
	}
	target.sendMessage(msg)
}

func (h *Hub) heartbeat(client *Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	return h.registry.Refresh(ctx, client.PeerID, client.Owner, h.ttl)
}

func (h *Hub) readPump(client *Client) {
	defer func() {
		defer close(client.done)
		if !h.unregister(client) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		if err := h.registry.Release(ctx, client.PeerID, client.Owner); err != nil {
			log.Printf("Failed to release %s: %v", client.PeerID, err)
		}
		cancel()

		h.broadcastRoom(client.Room, models.SignalMessage{
			Type: models.SignalTypeLeave,
			Src:  client.PeerID,
		}, client.PeerID)

		log.Printf("Peer %s disconnected", client.PeerID)
	}()

	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		switch {
		case msg.Type == models.SignalTypeHeartbeat:
			if err := h.heartbeat(client); err != nil {
				if errors.Is(err, registry.ErrNotOwner) {
					log.Printf("Peer %s lost its claim", client.PeerID)
					client.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Error: "identity expired"})
					return
				}
				log.Printf("Failed to refresh %s: %v", client.PeerID, err)
			}
		case msg.Type.Relayed():
			if msg.Dst == "" {
				log.Printf("Dropping %s from %s without dst", msg.Type, client.PeerID)
				continue
			}
			h.relay(client, msg)
		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then a close frame
func (c *Client) flush() {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case message := <-c.Send:
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	select {
	case c.Send <- data:
	default:
		log.Printf("Failed to send message to peer %s, buffer full", c.PeerID)
	}
}
