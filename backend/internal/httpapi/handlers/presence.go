package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"syncflow/backend/internal/cache"
	"syncflow/backend/internal/protocol"
)

type PresenceHandler struct {
	presence cache.PresenceCache
}

func NewPresenceHandler(p cache.PresenceCache) *PresenceHandler {
	return &PresenceHandler{presence: p}
}

// Mount 挂到 /note：GET /note/:id/presence
func (h *PresenceHandler) Mount(g *gin.RouterGroup) {
	g.GET("/:id/presence", h.Members)
}

// Members 只读在线列表；加入与续期走 websocket heartbeat
func (h *PresenceHandler) Members(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	members, err := h.presence.GetAliveMembersWithNames(c.Request.Context(), noteID)
	if err != nil {
		log.Printf("get alive members error (note=%d): %v", noteID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get presence failed"})
		return
	}
	out := protocol.Presence{NoteID: noteID, Members: make([]protocol.PresenceMember, len(members))}
	for i, m := range members {
		out.Members[i] = protocol.PresenceMember{UserID: m.UserID, Username: m.Username}
	}
	c.JSON(http.StatusOK, out)
}
