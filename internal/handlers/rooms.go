package handlers

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/telepresence/internal/models"
)

// roomOf maps a room code from the URL to the escaped form used in peer ids
func roomOf(c *gin.Context) (string, bool) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		return "", false
	}
	return url.PathEscape(code), true
}

// RoomStatus reports who holds the room's host identity and which peers
// are connected
func (h *Hub) RoomStatus(c *gin.Context) {
	room, ok := roomOf(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room code is required"})
		return
	}

	ctx := c.Request.Context()
	hostID := models.HostOf(room)

	_, claimed, err := h.registry.Lookup(ctx, hostID)
	if err != nil {
		log.Printf("Failed to look up %s: %v", hostID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Registry unavailable"})
		return
	}

	peers, err := h.registry.Members(ctx, room)
	if err != nil {
		log.Printf("Failed to list room %s: %v", room, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Registry unavailable"})
		return
	}
	if peers == nil {
		peers = []string{}
	}

	c.JSON(http.StatusOK, models.RoomStatus{
		Code:        c.Param("code"),
		HostID:      hostID,
		HostClaimed: claimed,
		Peers:       peers,
	})
}

// EvictHost frees a stale host identity so the next agent can become host
func (h *Hub) EvictHost(c *gin.Context) {
	room, ok := roomOf(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room code is required"})
		return
	}

	hostID := models.HostOf(room)
	evicted, err := h.registry.Evict(c.Request.Context(), hostID)
	if err != nil {
		log.Printf("Failed to evict %s: %v", hostID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Registry unavailable"})
		return
	}
	disconnected := h.Disconnect(hostID)

	log.Printf("Host %s evicted by %v (claim=%v socket=%v)", hostID, c.GetString("admin"), evicted, disconnected)

	if !evicted && !disconnected {
		c.JSON(http.StatusNotFound, gin.H{"error": "Host not registered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Host evicted", "hostId": hostID})
}
