package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/protocol"
)

// MemoryStore 未配置 MySQL 时的进程内实现，也用于测试
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	notes  map[int64]entity.Note
	// noteID -> lineNumber -> line
	lines map[int64]map[int]entity.NoteLine
	users map[string]entity.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes: make(map[int64]entity.Note),
		lines: make(map[int64]map[int]entity.NoteLine),
		users: make(map[string]entity.User),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) ListNotes(_ context.Context, start, limit int) ([]entity.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	notes := make([]entity.Note, 0, len(m.notes))
	for _, n := range m.notes {
		n.LineCount = len(m.lines[n.ID])
		notes = append(notes, n)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].ID > notes[j].ID })
	return page(notes, start, limit), nil
}

func (m *MemoryStore) GetNote(_ context.Context, noteID int64) (*entity.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notes[noteID]
	if !ok {
		return nil, ErrNoteNotFound
	}
	n.LineCount = len(m.lines[noteID])
	return &n, nil
}

func (m *MemoryStore) CreateNote(_ context.Context, ownerID uint64, title string) (*entity.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := entity.Note{ID: m.id(), Title: title, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
	m.notes[n.ID] = n
	return &n, nil
}

func (m *MemoryStore) ListLines(_ context.Context, noteID int64, start, limit int) ([]entity.NoteLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNumber := m.lines[noteID]
	lines := make([]entity.NoteLine, 0, len(byNumber))
	for _, l := range byNumber {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].LineNumber < lines[j].LineNumber })
	return page(lines, start, limit), nil
}

func (m *MemoryStore) CreateLines(_ context.Context, noteID int64, lines []entity.NoteLine) ([]entity.NoteLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber := m.lines[noteID]
	if byNumber == nil {
		byNumber = make(map[int]entity.NoteLine)
		m.lines[noteID] = byNumber
	}
	for _, l := range lines {
		if _, ok := byNumber[l.LineNumber]; ok {
			return nil, fmt.Errorf("create lines for note %d: %w", noteID, ErrDuplicateLine)
		}
	}
	out := make([]entity.NoteLine, len(lines))
	for i, l := range lines {
		l.ID = m.id()
		l.NoteID = noteID
		l.UpdatedAt = time.Now()
		l.Normalize()
		byNumber[l.LineNumber] = l
		out[i] = l
	}
	return out, nil
}

func (m *MemoryStore) ApplyLineUpdate(_ context.Context, noteID int64, upd protocol.LineUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber := m.lines[noteID]
	if byNumber == nil {
		byNumber = make(map[int]entity.NoteLine)
		m.lines[noteID] = byNumber
	}
	line, ok := byNumber[upd.LineNumber]
	if !ok {
		line = entity.NoteLine{ID: m.id(), NoteID: noteID, LineNumber: upd.LineNumber}
		line.Normalize()
	}
	PatchLine(&line, upd)
	line.UpdatedAt = time.Now()
	byNumber[upd.LineNumber] = line
	return nil
}

func (m *MemoryStore) SaveLine(_ context.Context, line entity.NoteLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber := m.lines[line.NoteID]
	if byNumber == nil {
		byNumber = make(map[int]entity.NoteLine)
		m.lines[line.NoteID] = byNumber
	}
	if cur, ok := byNumber[line.LineNumber]; ok {
		line.ID = cur.ID
	} else {
		line.ID = m.id()
	}
	line.Normalize()
	line.UpdatedAt = time.Now()
	byNumber[line.LineNumber] = line
	return nil
}

func (m *MemoryStore) CreateUser(_ context.Context, username string, passwordHash []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return 0, ErrUsernameTaken
	}
	u := entity.User{ID: uint64(m.id()), Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	m.users[username] = u
	return u.ID, nil
}

func (m *MemoryStore) GetByUsername(_ context.Context, username string) (*entity.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func page[T any](items []T, start, limit int) []T {
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return []T{}
	}
	items = items[start:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
