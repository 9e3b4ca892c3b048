package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"syncflow/backend/internal/collab"
	"syncflow/backend/internal/protocol"
	"syncflow/backend/internal/store"
)

// 允许本地开发环境的来源；非浏览器客户端通常不带 Origin
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h   *Hub
	svc collab.Service
	sem *collab.SemaphoreControl
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, sem: sem}
}

// WebSocketConnect GET /whiteboard/ws?noteId=<id>，鉴权中间件已写入 userId/username
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	if username == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	noteID, err := strconv.ParseInt(c.Query("noteId"), 10, 64)
	if err != nil || noteID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid noteId"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	_, err = m.svc.GetNote(ctx, noteID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNoteNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "note not found"})
			return
		}
		log.Printf("get note error (note=%d): %v", noteID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get note failed"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, noteID, userID, username, uuid.NewString(), m.svc, m.sem)
	m.h.Join(noteID, wsConn)
	log.Printf("ws joined (note=%d user=%s client=%s room=%d)", noteID, username, wsConn.clientID, m.h.RoomSize(noteID))

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.reply(protocol.TypeWelcome, 0, protocol.Welcome{NoteID: noteID, Identity: username})

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(context.Background())
	log.Printf("ws left (note=%d user=%s client=%s)", noteID, username, wsConn.clientID)
}
