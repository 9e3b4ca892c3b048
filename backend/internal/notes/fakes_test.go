package notes

import (
	"context"
	"sync"
	"testing"
	"time"

	"syncflow/backend/internal/channel"
	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/protocol"
)

// fakeScheduler 手动推进的时钟，Advance 按到期顺序触发
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	s    *fakeScheduler
	at   time.Duration
	f    func()
	done bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()
	for {
		s.mu.Lock()
		var next *fakeTimer
		for _, t := range s.timers {
			if !t.done && t.at <= target && (next == nil || t.at < next.at) {
				next = t
			}
		}
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		next.done = true
		s.now = next.at
		s.mu.Unlock()
		next.f()
	}
}

func (s *fakeScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.done {
			n++
		}
	}
	return n
}

type pendingAck struct {
	line int
	cb   channel.AckFunc
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	lockReqs  []int
	acks      []pendingAck
	releases  []int
	updates   []protocol.LineUpdate
}

func (f *fakeChannel) check() error {
	if f.closed {
		return channel.ErrClosed
	}
	if !f.connected {
		return channel.ErrNotConnected
	}
	return nil
}

func (f *fakeChannel) RequestLock(line int, cb channel.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.lockReqs = append(f.lockReqs, line)
	f.acks = append(f.acks, pendingAck{line: line, cb: cb})
	return nil
}

func (f *fakeChannel) ReleaseLock(line int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.releases = append(f.releases, line)
	return nil
}

func (f *fakeChannel) PropagateUpdate(upd protocol.LineUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.updates = append(f.updates, upd)
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// answer 按请求顺序回复最早的一个 ack
func (f *fakeChannel) answer(t *testing.T, ack protocol.LockAck, err error) int {
	t.Helper()
	f.mu.Lock()
	if len(f.acks) == 0 {
		f.mu.Unlock()
		t.Fatal("no pending lock request")
	}
	p := f.acks[0]
	f.acks = f.acks[1:]
	f.mu.Unlock()
	p.cb(ack, err)
	return p.line
}

func (f *fakeChannel) counts() (locks, releases, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lockReqs), len(f.releases), len(f.updates)
}

func (f *fakeChannel) lastUpdate() protocol.LineUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

type fakeConn struct {
	noteID int64
	token  string
	h      channel.Handlers
	ch     *fakeChannel
}

// up 模拟握手成功
func (c *fakeConn) up() {
	c.ch.mu.Lock()
	c.ch.connected = true
	c.ch.mu.Unlock()
	c.h.OnConnectionChange(true)
}

func (c *fakeConn) down() {
	c.ch.mu.Lock()
	c.ch.connected = false
	c.ch.mu.Unlock()
	c.h.OnConnectionChange(false)
}

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeConnector) Connect(_ context.Context, noteID int64, token string, h channel.Handlers) LiveChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{noteID: noteID, token: token, h: h, ch: &fakeChannel{}}
	f.conns = append(f.conns, c)
	return c.ch
}

func (f *fakeConnector) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type fakeSource struct {
	mu      sync.Mutex
	lines   map[int64][]entity.NoteLine
	listErr error
	seeded  int

	// 在 ListLines 返回前调用一次
	hook func(noteID int64)
}

func newFakeSource() *fakeSource {
	return &fakeSource{lines: make(map[int64][]entity.NoteLine)}
}

func (f *fakeSource) ListLines(_ context.Context, noteID int64) ([]entity.NoteLine, error) {
	f.mu.Lock()
	hook := f.hook
	f.hook = nil
	err := f.listErr
	out := append([]entity.NoteLine(nil), f.lines[noteID]...)
	f.mu.Unlock()
	if hook != nil {
		hook(noteID)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeSource) CreateDefaultLines(_ context.Context, noteID int64) ([]entity.NoteLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded++
	if len(f.lines[noteID]) == 0 {
		for i := 1; i <= 10; i++ {
			f.lines[noteID] = append(f.lines[noteID], entity.NoteLine{NoteID: noteID, LineNumber: i})
		}
	}
	return append([]entity.NoteLine(nil), f.lines[noteID]...), nil
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []entity.NoteLine
}

func (f *fakeSaver) SaveLine(_ context.Context, noteID int64, line entity.NoteLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line.NoteID = noteID
	f.saved = append(f.saved, line)
	return nil
}

func (f *fakeSaver) all() []entity.NoteLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.NoteLine(nil), f.saved...)
}

type harness struct {
	s     *Session
	sched *fakeScheduler
	conn  *fakeConnector
	src   *fakeSource
	saver *fakeSaver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sched: &fakeScheduler{},
		conn:  &fakeConnector{},
		src:   newFakeSource(),
		saver: &fakeSaver{},
	}
	h.s = NewSession(Config{
		Identity:  "alice",
		Token:     "tok",
		Scheduler: h.sched,
		Saver:     h.saver,
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
	}, h.conn, h.src)
	t.Cleanup(h.s.Close)
	return h
}

// open 选中 noteID 并让通道连上
func (h *harness) open(t *testing.T, noteID int64) *fakeConn {
	t.Helper()
	if err := h.s.SelectDocument(context.Background(), noteID); err != nil {
		t.Fatalf("SelectDocument(%d) error = %v", noteID, err)
	}
	c := h.conn.last()
	c.up()
	return c
}

// hold 让 alice 拿到 line 的锁
func (h *harness) hold(t *testing.T, c *fakeConn, line int) {
	t.Helper()
	if err := h.s.FocusLine(line); err != nil {
		t.Fatalf("FocusLine(%d) error = %v", line, err)
	}
	c.ch.answer(t, protocol.LockAck{Success: true}, nil)
	if !h.s.Status(line).IsHeldBySelf {
		t.Fatalf("line %d not held after grant", line)
	}
}

func strPtr(s string) *string { return &s }
