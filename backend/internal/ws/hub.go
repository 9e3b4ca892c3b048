package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"syncflow/backend/internal/cache"
	"syncflow/backend/internal/protocol"
)

type Hub struct {
	// 在线状态存储（redis 或内存实现）
	presence    cache.PresenceCache
	presenceTTL time.Duration
	// 保护 rooms；广播在读锁下进行，Leave 之后不会再有人往该连接投递
	mu sync.RWMutex
	// noteID -> set of connections
	rooms map[int64]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 60 * time.Second
	}
	return &Hub{presence: p, presenceTTL: presenceTTL, rooms: make(map[int64]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(noteID int64, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[noteID] == nil {
		// 一个用户可开多个连接，广播按连接发
		h.rooms[noteID] = make(map[*Conn]struct{})
	}
	h.rooms[noteID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(noteID int64, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[noteID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, noteID)
		}
	}
}

// RoomSize 房间内的连接数
func (h *Hub) RoomSize(noteID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[noteID])
}

// Broadcast 发给房间里除 except 以外的所有连接；except 为 nil 时发给所有人
func (h *Hub) Broadcast(noteID int64, except *Conn, f protocol.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[noteID] {
		if c == except {
			continue
		}
		c.SendMessage_Enqueue(f)
	}
}

// HeldByOtherConn 同一用户在该文档的其他连接是否仍持有 line。
// 锁按用户名记，多开的标签页共用一把锁
func (h *Hub) HeldByOtherConn(noteID int64, except *Conn, username string, line int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[noteID] {
		if c != except && c.username == username && c.holds(line) {
			return true
		}
	}
	return false
}

func (h *Hub) BroadcastPresence(ctx context.Context, noteID int64) {
	if h.presence == nil {
		return
	}
	members, err := h.presence.GetAliveMembersWithNames(ctx, noteID)
	if err != nil {
		log.Printf("get alive members error (note=%d): %v", noteID, err)
		return
	}
	out := protocol.Presence{NoteID: noteID, Members: make([]protocol.PresenceMember, len(members))}
	for i, m := range members {
		out.Members[i] = protocol.PresenceMember{UserID: m.UserID, Username: m.Username}
	}
	f, err := protocol.NewFrame(protocol.TypePresence, 0, out)
	if err != nil {
		return
	}
	h.Broadcast(noteID, nil, f)
}
