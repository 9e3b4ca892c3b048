package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryPresence 单实例部署（未配置 redis）时使用
type memoryPresence struct {
	mu    sync.Mutex
	now   func() time.Time
	rooms map[int64]map[uint64]memMember
}

type memMember struct {
	username string
	expireAt time.Time
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{now: time.Now, rooms: make(map[int64]map[uint64]memMember)}
}

func (m *memoryPresence) AddMember(_ context.Context, noteID int64, userID uint64, username string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[noteID]
	if room == nil {
		room = make(map[uint64]memMember)
		m.rooms[noteID] = room
	}
	room[userID] = memMember{username: username, expireAt: m.now().Add(ttl)}
	return nil
}

func (m *memoryPresence) RemoveMember(_ context.Context, noteID int64, userID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[noteID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(m.rooms, noteID)
		}
	}
	return nil
}

func (m *memoryPresence) GetAliveMembersWithNames(_ context.Context, noteID int64) ([]PresenceMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	room := m.rooms[noteID]
	members := make([]PresenceMember, 0, len(room))
	for id, mm := range room {
		if !now.Before(mm.expireAt) {
			delete(room, id)
			continue
		}
		members = append(members, PresenceMember{UserID: id, Username: mm.username})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}
