package cache

import (
	"context"
	"sync"
	"time"
)

type memLock struct {
	holder   string
	expireAt time.Time
}

// memorySoftLocks 单实例部署（未配置 Redis）时使用，语义与 Redis 版一致
type memorySoftLocks struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]memLock
}

var _ SoftLockRegistry = (*memorySoftLocks)(nil)

func NewMemorySoftLocks() SoftLockRegistry {
	return &memorySoftLocks{now: time.Now, locks: make(map[string]memLock)}
}

func (m *memorySoftLocks) Acquire(_ context.Context, noteID int64, line int, holder string, ttl time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lockKey(noteID, line)
	now := m.now()
	cur, ok := m.locks[key]
	if ok && !now.Before(cur.expireAt) {
		ok = false
	}
	if ok && cur.holder != holder {
		return false, cur.holder, nil
	}
	m.locks[key] = memLock{holder: holder, expireAt: now.Add(ttl)}
	return true, holder, nil
}

func (m *memorySoftLocks) Release(_ context.Context, noteID int64, line int, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lockKey(noteID, line)
	cur, ok := m.locks[key]
	if !ok || cur.holder != holder {
		return false, nil
	}
	delete(m.locks, key)
	// 已过期的锁视为不存在
	return m.now().Before(cur.expireAt), nil
}

func (m *memorySoftLocks) Refresh(_ context.Context, noteID int64, line int, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lockKey(noteID, line)
	now := m.now()
	cur, ok := m.locks[key]
	if !ok || cur.holder != holder || !now.Before(cur.expireAt) {
		return false, nil
	}
	m.locks[key] = memLock{holder: holder, expireAt: now.Add(ttl)}
	return true, nil
}

func (m *memorySoftLocks) Holder(_ context.Context, noteID int64, line int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[lockKey(noteID, line)]
	if !ok || !m.now().Before(cur.expireAt) {
		return "", nil
	}
	return cur.holder, nil
}
