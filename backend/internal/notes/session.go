// Package notes is the editing core of the client: it keeps the line model of
// the selected note, mirrors soft locks granted by the server, debounces local
// edits into persist and propagate actions, and merges remote updates.
//
// All state transitions of a Session are serialized by one mutex. Channel
// callbacks and timer callbacks are tagged with the selection generation they
// were created for and become no-ops once another note is selected.
package notes

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"syncflow/backend/internal/channel"
	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/protocol"
)

var (
	ErrNoDocument  = errors.New("no note selected")
	ErrNoLine      = errors.New("line not found")
	ErrNoSelection = errors.New("no line focused")
	ErrLineLocked  = errors.New("line locked by another user")
	ErrClosed      = errors.New("session closed")
	ErrSuperseded  = errors.New("note selection changed during load")
)

const (
	DefaultPropagateDelay = 350 * time.Millisecond
	DefaultPersistDelay   = 500 * time.Millisecond
	saveTimeout           = 5 * time.Second
)

// LiveChannel is the per-note realtime link; *channel.Channel implements it.
type LiveChannel interface {
	RequestLock(lineNumber int, cb channel.AckFunc) error
	ReleaseLock(lineNumber int) error
	PropagateUpdate(upd protocol.LineUpdate) error
	Connected() bool
	Close()
}

type Connector interface {
	Connect(ctx context.Context, noteID int64, token string, handlers channel.Handlers) LiveChannel
}

// WebsocketConnector adapts *channel.Connector to Connector.
type WebsocketConnector struct {
	*channel.Connector
}

func (w WebsocketConnector) Connect(ctx context.Context, noteID int64, token string, handlers channel.Handlers) LiveChannel {
	return w.Connector.Connect(ctx, noteID, token, handlers)
}

// LineSource loads lines of a note; CreateDefaultLines seeds an empty note.
type LineSource interface {
	ListLines(ctx context.Context, noteID int64) ([]entity.NoteLine, error)
	CreateDefaultLines(ctx context.Context, noteID int64) ([]entity.NoteLine, error)
}

type LineSaver interface {
	SaveLine(ctx context.Context, noteID int64, line entity.NoteLine) error
}

type Config struct {
	Identity string
	Token    string

	PropagateDelay time.Duration
	PersistDelay   time.Duration

	Scheduler Scheduler
	Now       func() time.Time

	// nil 表示只在本地保留，不落库
	Saver LineSaver
}

// Snapshot is a consistent copy of session state handed to observers.
type Snapshot struct {
	NoteID    int64
	Lines     []Line
	Selected  int
	Connected bool
	Locks     map[int]string
	Members   []protocol.PresenceMember
	LoadError error
}

type Session struct {
	mu sync.Mutex

	cfg       Config
	connector Connector
	source    LineSource
	debounce  *Debouncer
	locks     *LockCoordinator

	ctx    context.Context
	cancel context.CancelFunc

	gen         uint64
	noteID      int64
	ch          LiveChannel
	lines       []Line
	selected    int
	pendingLock int
	connected   bool
	members     []protocol.PresenceMember
	loadErr     error
	closed      bool

	dirty     bool
	observers []func(Snapshot)
	saves     sync.WaitGroup
}

func NewSession(cfg Config, connector Connector, source LineSource) *Session {
	if cfg.PropagateDelay <= 0 {
		cfg.PropagateDelay = DefaultPropagateDelay
	}
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = DefaultPersistDelay
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = SystemScheduler
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		connector: connector,
		source:    source,
		locks:     NewLockCoordinator(cfg.Identity),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.debounce = NewDebouncer(cfg.Scheduler, sessionLocker{s}, cfg.PersistDelay, cfg.PropagateDelay)
	return s
}

// sessionLocker lets debounced callbacks run under the session mutex and still
// notify observers after unlocking.
type sessionLocker struct{ s *Session }

func (l sessionLocker) Lock()   { l.s.mu.Lock() }
func (l sessionLocker) Unlock() { l.s.unlock() }

func (s *Session) lock() { s.mu.Lock() }

func (s *Session) unlock() {
	var (
		snap Snapshot
		obs  []func(Snapshot)
	)
	notify := s.dirty && len(s.observers) > 0
	if notify {
		snap = s.snapshotLocked()
		obs = append(obs, s.observers...)
	}
	s.dirty = false
	s.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
}

// OnChange registers fn to receive a snapshot after every state change.
// fn runs outside the session lock and may call back into the session.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.lock()
	defer s.unlock()
	s.observers = append(s.observers, fn)
}

// SelectDocument tears down everything bound to the previous note, opens a
// channel for id and loads its lines. Selecting the current note is a no-op.
func (s *Session) SelectDocument(ctx context.Context, id int64) error {
	s.lock()
	if s.closed {
		s.unlock()
		return ErrClosed
	}
	if id == s.noteID && id != 0 {
		s.unlock()
		return nil
	}
	s.teardownLocked()
	if id == 0 {
		s.unlock()
		return nil
	}
	s.noteID = id
	gen := s.gen
	s.ch = s.connector.Connect(s.ctx, id, s.cfg.Token, s.handlers(gen))
	s.unlock()

	glog.V(1).Infof("[s] note %d selected gen=%d", id, gen)
	return s.load(ctx, id, gen)
}

// LoadLines reloads the selected note. Lines with edits still waiting on a
// debounce timer keep their local state.
func (s *Session) LoadLines(ctx context.Context) error {
	s.lock()
	id, gen := s.noteID, s.gen
	s.unlock()
	if id == 0 {
		return ErrNoDocument
	}
	return s.load(ctx, id, gen)
}

func (s *Session) load(ctx context.Context, id int64, gen uint64) error {
	lines, err := s.fetch(ctx, id)

	s.lock()
	defer s.unlock()
	if s.gen != gen || s.closed {
		return ErrSuperseded
	}
	s.dirty = true
	if err != nil {
		glog.Warningf("[s] load note %d: %v", id, err)
		s.loadErr = err
		return err
	}
	s.loadErr = nil
	s.mergeLoadedLocked(lines)
	return nil
}

func (s *Session) fetch(ctx context.Context, id int64) ([]Line, error) {
	rows, err := s.source.ListLines(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		if rows, err = s.source.CreateDefaultLines(ctx, id); err != nil {
			return nil, err
		}
	}
	lines := make([]Line, len(rows))
	for i, r := range rows {
		lines[i] = lineFromEntity(r)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Number < lines[j].Number })
	return lines, nil
}

func (s *Session) mergeLoadedLocked(loaded []Line) {
	for i, l := range loaded {
		if s.debounce.Pending(l.Number, PersistTimer) || s.debounce.Pending(l.Number, PropagateTimer) {
			if idx := indexOf(s.lines, l.Number); idx >= 0 {
				loaded[i] = s.lines[idx]
			}
		}
	}
	s.lines = loaded
}

func (s *Session) teardownLocked() {
	s.debounce.CancelAll()
	if s.ch != nil {
		for _, line := range s.locks.HeldLines() {
			if err := s.ch.ReleaseLock(line); err != nil {
				glog.V(2).Infof("[s] release line %d on teardown: %v", line, err)
			}
		}
		s.ch.Close()
	}
	s.gen++
	s.ch = nil
	s.noteID = 0
	s.lines = nil
	s.selected = 0
	s.pendingLock = 0
	s.connected = false
	s.members = nil
	s.loadErr = nil
	s.locks.Reset()
	s.dirty = true
}

// Close releases the channel and stops all timers. Idempotent.
func (s *Session) Close() {
	s.lock()
	if s.closed {
		s.unlock()
		return
	}
	s.closed = true
	s.teardownLocked()
	s.cancel()
	s.unlock()
}

// WaitSaves blocks until in-flight persist requests finish.
func (s *Session) WaitSaves() {
	s.saves.Wait()
}

// handlers 的每个回调都绑定 gen，换文档后旧通道的消息直接丢弃
func (s *Session) handlers(gen uint64) channel.Handlers {
	return channel.Handlers{
		OnConnectionChange: func(connected bool) {
			s.inGen(gen, func() { s.onConnectionChange(connected) })
		},
		OnWelcome: func(w protocol.Welcome) {
			s.inGen(gen, func() { s.onWelcome(w) })
		},
		OnLockGranted: func(g protocol.LockGranted) {
			s.inGen(gen, func() {
				if s.locks.HandleRemoteLock(g.LineNumber, g.HolderIdentity) {
					s.dirty = true
				}
			})
		},
		OnLockReleased: func(r protocol.LockReleased) {
			s.inGen(gen, func() {
				if s.locks.HandleRemoteUnlock(r.LineNumber, r.ReleasedBy) {
					s.dirty = true
				}
			})
		},
		OnLineUpdated: func(u protocol.LineUpdate) {
			s.inGen(gen, func() {
				if _, ok := Reconcile(s.lines, u, s.locks.Self()); ok {
					s.dirty = true
				}
			})
		},
		OnPresence: func(p protocol.Presence) {
			s.inGen(gen, func() {
				s.members = p.Members
				s.dirty = true
			})
		},
		OnError: func(e protocol.ErrorPayload) {
			glog.Warningf("[s] server error on note %d: %s", s.NoteID(), e.Message)
		},
	}
}

func (s *Session) inGen(gen uint64, fn func()) {
	s.lock()
	defer s.unlock()
	if s.closed || s.gen != gen {
		return
	}
	fn()
}

// 连接状态变化时锁表全部作废，重连后需要重新申请
func (s *Session) onConnectionChange(connected bool) {
	glog.V(1).Infof("[s] note %d connected=%v", s.noteID, connected)
	s.connected = connected
	s.locks.Reset()
	s.pendingLock = 0
	s.dirty = true
	if connected && s.selected > 0 {
		if err := s.requestLockLocked(s.selected); err != nil {
			glog.V(2).Infof("[s] re-request line %d: %v", s.selected, err)
		}
	}
}

func (s *Session) onWelcome(w protocol.Welcome) {
	if w.Identity == "" || w.Identity == s.locks.Self() {
		return
	}
	glog.Infof("[s] server identity %q replaces %q", w.Identity, s.locks.Self())
	s.locks.SetSelf(w.Identity)
	s.dirty = true
}

// FocusLine moves the selection to line n, releasing the previous line and
// asking for n. Lock results arrive asynchronously.
func (s *Session) FocusLine(n int) error {
	s.lock()
	defer s.unlock()
	if s.noteID == 0 {
		return ErrNoDocument
	}
	if indexOf(s.lines, n) < 0 {
		return ErrNoLine
	}
	if s.selected == n {
		return nil
	}
	if s.selected > 0 {
		s.releaseLocked(s.selected)
	}
	s.selected = n
	s.dirty = true
	if err := s.requestLockLocked(n); err != nil {
		glog.V(2).Infof("[s] request line %d: %v", n, err)
	}
	return nil
}

// Blur drops the selection and its lock.
func (s *Session) Blur() {
	s.lock()
	defer s.unlock()
	if s.selected == 0 {
		return
	}
	s.releaseLocked(s.selected)
	s.selected = 0
	s.dirty = true
}

func (s *Session) RequestLock(n int) error {
	s.lock()
	defer s.unlock()
	if s.noteID == 0 {
		return ErrNoDocument
	}
	return s.requestLockLocked(n)
}

func (s *Session) requestLockLocked(n int) error {
	if s.locks.HeldBySelf(n) || s.pendingLock == n {
		return nil
	}
	if s.ch == nil {
		return ErrNoDocument
	}
	gen := s.gen
	err := s.ch.RequestLock(n, func(ack protocol.LockAck, err error) {
		s.inGen(gen, func() { s.onLockAck(n, ack, err) })
	})
	if err != nil {
		return err
	}
	s.pendingLock = n
	return nil
}

func (s *Session) onLockAck(n int, ack protocol.LockAck, err error) {
	if s.pendingLock == n {
		s.pendingLock = 0
	}
	if err != nil {
		glog.V(1).Infof("[s] lock line %d: %v", n, err)
		return
	}
	s.dirty = true
	if !ack.Success {
		s.locks.HandleRemoteLock(n, ack.LockedBy)
		return
	}
	s.locks.Grant(n, s.locks.Self())
	// 等待期间焦点已经离开，立即归还
	if s.selected != n {
		s.releaseLocked(n)
	}
}

// ReleaseLock gives up line n if we hold it.
func (s *Session) ReleaseLock(n int) {
	s.lock()
	defer s.unlock()
	s.releaseLocked(n)
}

func (s *Session) releaseLocked(n int) {
	if !s.locks.ReleaseSelf(n) {
		return
	}
	s.dirty = true
	if s.ch == nil {
		return
	}
	if err := s.ch.ReleaseLock(n); err != nil {
		glog.V(2).Infof("[s] release line %d: %v", n, err)
	}
}

// UpdateLineContent applies a local content edit. It is refused while another
// user holds the line.
func (s *Session) UpdateLineContent(n int, content string) error {
	return s.edit(n, ContentEdit{Content: content})
}

// UpdateLineStyle applies a style edit to the focused line.
func (s *Session) UpdateLineStyle(e LineEdit) error {
	s.lock()
	defer s.unlock()
	if s.noteID != 0 && s.selected == 0 {
		return ErrNoSelection
	}
	return s.editLocked(s.selected, e)
}

func (s *Session) edit(n int, e LineEdit) error {
	s.lock()
	defer s.unlock()
	return s.editLocked(n, e)
}

func (s *Session) editLocked(n int, e LineEdit) error {
	if s.noteID == 0 {
		return ErrNoDocument
	}
	idx := indexOf(s.lines, n)
	if idx < 0 {
		return ErrNoLine
	}
	if !s.locks.Status(n).CanEdit {
		return ErrLineLocked
	}
	e.apply(&s.lines[idx])
	s.dirty = true
	s.debounce.Schedule(n, PersistTimer, func() { s.persistLocked(n) })
	s.debounce.Schedule(n, PropagateTimer, func() { s.propagateLocked(n) })
	return nil
}

func (s *Session) persistLocked(n int) {
	idx := indexOf(s.lines, n)
	if idx < 0 {
		return
	}
	s.lines[idx].LastEditedBy = s.locks.Self()
	s.dirty = true
	if s.cfg.Saver == nil {
		return
	}
	noteID, row := s.noteID, s.lines[idx].entity(s.noteID)
	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		ctx, cancel := context.WithTimeout(s.ctx, saveTimeout)
		defer cancel()
		if err := s.cfg.Saver.SaveLine(ctx, noteID, row); err != nil {
			glog.Warningf("[s] persist note %d line %d: %v", noteID, row.LineNumber, err)
		}
	}()
}

func (s *Session) propagateLocked(n int) {
	idx := indexOf(s.lines, n)
	if idx < 0 || s.ch == nil {
		return
	}
	upd := s.lines[idx].fullUpdate(s.noteID, s.locks.Self(), s.cfg.Now())
	if err := s.ch.PropagateUpdate(upd); err != nil {
		glog.V(1).Infof("[s] propagate line %d: %v", n, err)
	}
}

// AddLine appends a default line numbered one past the current maximum.
func (s *Session) AddLine() (int, error) {
	s.lock()
	defer s.unlock()
	if s.noteID == 0 {
		return 0, ErrNoDocument
	}
	n := 1
	for _, l := range s.lines {
		if l.Number >= n {
			n = l.Number + 1
		}
	}
	s.lines = append(s.lines, DefaultLine(n))
	s.dirty = true
	return n, nil
}

// DeleteLine removes line n locally and cancels its pending timers.
func (s *Session) DeleteLine(n int) error {
	s.lock()
	defer s.unlock()
	if s.noteID == 0 {
		return ErrNoDocument
	}
	idx := indexOf(s.lines, n)
	if idx < 0 {
		return ErrNoLine
	}
	if !s.locks.Status(n).CanEdit {
		return ErrLineLocked
	}
	s.releaseLocked(n)
	s.debounce.Cancel(n)
	s.lines = append(s.lines[:idx], s.lines[idx+1:]...)
	if s.selected == n {
		s.selected = 0
	}
	if s.pendingLock == n {
		s.pendingLock = 0
	}
	s.dirty = true
	return nil
}

func (s *Session) Status(n int) LockStatus {
	s.lock()
	defer s.unlock()
	return s.locks.Status(n)
}

func (s *Session) CanEdit(n int) bool {
	return s.Status(n).CanEdit
}

func (s *Session) NoteID() int64 {
	s.lock()
	defer s.unlock()
	return s.noteID
}

func (s *Session) Identity() string {
	s.lock()
	defer s.unlock()
	return s.locks.Self()
}

func (s *Session) Connected() bool {
	s.lock()
	defer s.unlock()
	return s.connected
}

func (s *Session) Selected() int {
	s.lock()
	defer s.unlock()
	return s.selected
}

func (s *Session) LoadError() error {
	s.lock()
	defer s.unlock()
	return s.loadErr
}

func (s *Session) Lines() []Line {
	s.lock()
	defer s.unlock()
	return append([]Line(nil), s.lines...)
}

func (s *Session) Line(n int) (Line, bool) {
	s.lock()
	defer s.unlock()
	idx := indexOf(s.lines, n)
	if idx < 0 {
		return Line{}, false
	}
	return s.lines[idx], true
}

func (s *Session) Snapshot() Snapshot {
	s.lock()
	defer s.unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		NoteID:    s.noteID,
		Lines:     append([]Line(nil), s.lines...),
		Selected:  s.selected,
		Connected: s.connected,
		Locks:     s.locks.Snapshot(),
		Members:   append([]protocol.PresenceMember(nil), s.members...),
		LoadError: s.loadErr,
	}
}
