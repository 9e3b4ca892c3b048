// Package channel is the client side of the whiteboard websocket: one live,
// authenticated connection scoped to a single note, with transport-level
// reconnect and request/ack correlation for soft-lock requests.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"syncflow/backend/internal/protocol"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrDisconnected = errors.New("channel dropped before ack")
	ErrQueueFull    = errors.New("channel send queue full")
	ErrClosed       = errors.New("channel closed")
)

const SendBufferSize = 64

type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// 心跳间隔，用于刷新服务端在线状态
	HeartbeatInterval time.Duration
	ReconnectTimeout  time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		ReconnectTimeout:  2 * time.Second,
	}
}

// Handlers are invoked from the channel's read goroutine, in arrival order.
// Nil handlers are skipped.
type Handlers struct {
	OnConnectionChange func(connected bool)
	OnWelcome          func(protocol.Welcome)
	OnLockGranted      func(protocol.LockGranted)
	OnLockReleased     func(protocol.LockReleased)
	OnLineUpdated      func(protocol.LineUpdate)
	OnPresence         func(protocol.Presence)
	OnError            func(protocol.ErrorPayload)
}

type AckFunc func(ack protocol.LockAck, err error)

// Connector dials channels against one whiteboard endpoint.
type Connector struct {
	wsURL    string
	dialer   *websocket.Dialer
	settings *Settings
}

func NewConnector(wsURL string, settings *Settings) *Connector {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Connector{
		wsURL: wsURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		settings: settings,
	}
}

// Connect never fails synchronously: connect and auth failures surface as
// OnConnectionChange(false), and the channel keeps retrying until Close.
func (c *Connector) Connect(ctx context.Context, noteID int64, token string, handlers Handlers) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	ch := &Channel{
		ctx:      cancelCtx,
		cancel:   cancel,
		dialer:   c.dialer,
		settings: c.settings,
		target:   targetURL(c.wsURL, noteID),
		noteID:   noteID,
		token:    token,
		handlers: handlers,
		pending:  make(map[uint64]AckFunc),
		done:     make(chan struct{}),
	}
	go ch.run()
	return ch
}

func targetURL(base string, noteID int64) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("noteId", strconv.FormatInt(noteID, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

type Channel struct {
	ctx      context.Context
	cancel   context.CancelFunc
	dialer   *websocket.Dialer
	settings *Settings
	target   string
	noteID   int64
	token    string
	handlers Handlers

	mu sync.Mutex
	ws *websocket.Conn
	// 当前连接的发送队列；未连接时为 nil
	out       chan protocol.Frame
	seq       uint64
	pending   map[uint64]AckFunc
	connected bool
	reported  bool

	closeOnce sync.Once
	done      chan struct{}
}

func (ch *Channel) NoteID() int64 {
	return ch.noteID
}

func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.connected
}

// Done is closed once the channel's goroutines have exited after Close.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Close is idempotent and does not wait for in-flight handlers.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		ch.cancel()
		ch.mu.Lock()
		if ch.ws != nil {
			ch.ws.Close()
		}
		ch.mu.Unlock()
	})
}

// RequestLock sends request-soft-lock. On success cb is called exactly once,
// with the server's ack or ErrDisconnected if the connection drops first.
// On error cb is never called.
func (ch *Channel) RequestLock(lineNumber int, cb AckFunc) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.out == nil {
		return ErrNotConnected
	}
	ch.seq++
	seq := ch.seq
	f, err := protocol.NewFrame(protocol.TypeRequestSoftLock, seq, protocol.LockRequest{LineNumber: lineNumber})
	if err != nil {
		return err
	}
	if err := ch.enqueueLocked(f); err != nil {
		return err
	}
	ch.pending[seq] = cb
	return nil
}

func (ch *Channel) ReleaseLock(lineNumber int) error {
	return ch.send(protocol.TypeReleaseSoftLock, protocol.LockRequest{LineNumber: lineNumber})
}

func (ch *Channel) PropagateUpdate(upd protocol.LineUpdate) error {
	return ch.send(protocol.TypePropagateUpdate, upd)
}

func (ch *Channel) send(typ string, payload any) error {
	f, err := protocol.NewFrame(typ, 0, payload)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.enqueueLocked(f)
}

func (ch *Channel) enqueueLocked(f protocol.Frame) error {
	if ch.ctx.Err() != nil {
		return ErrClosed
	}
	if ch.out == nil {
		return ErrNotConnected
	}
	select {
	case ch.out <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

func (ch *Channel) run() {
	defer close(ch.done)
	defer ch.cancel()

	for {
		ws, err := ch.dial()
		if err != nil {
			glog.Infof("[c]note=%d connect error = %s", ch.noteID, err)
			ch.setConnected(false)
			if isPermanent(err) {
				glog.Warningf("[c]note=%d giving up: %s", ch.noteID, err)
				return
			}
		} else {
			ch.serve(ws)
		}

		select {
		case <-ch.ctx.Done():
			return
		case <-time.After(ch.settings.ReconnectTimeout):
		}
	}
}

type handshakeError struct {
	status int
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d", e.status)
}

// 鉴权失败或文档不存在时重连没有意义
func isPermanent(err error) bool {
	var he *handshakeError
	return errors.As(err, &he) && he.status >= 400 && he.status < 500
}

func (ch *Channel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+ch.token)
	ws, resp, err := ch.dialer.DialContext(ch.ctx, ch.target, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &handshakeError{status: resp.StatusCode}
		}
		return nil, err
	}
	return ws, nil
}

// serve 一次连接的生命周期：写 goroutine + 当前 goroutine 读
func (ch *Channel) serve(ws *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(ch.ctx)
	defer handleCancel()

	out := make(chan protocol.Frame, SendBufferSize)
	ch.mu.Lock()
	if ch.ctx.Err() != nil {
		ch.mu.Unlock()
		ws.Close()
		return
	}
	ch.ws = ws
	ch.out = out
	ch.mu.Unlock()
	ch.setConnected(true)
	glog.Infof("[c]note=%d connected", ch.noteID)

	go ch.writeLoop(handleCtx, handleCancel, ws, out)
	ch.readLoop(handleCtx, ws)

	handleCancel()
	ws.Close()

	ch.mu.Lock()
	ch.ws = nil
	ch.out = nil
	pending := ch.pending
	ch.pending = make(map[uint64]AckFunc)
	ch.mu.Unlock()

	ch.setConnected(false)
	for _, cb := range pending {
		cb(protocol.LockAck{}, ErrDisconnected)
	}
}

func (ch *Channel) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, out chan protocol.Frame) {
	defer cancel()
	heartbeat := time.NewTicker(ch.settings.HeartbeatInterval)
	defer heartbeat.Stop()

	write := func(f protocol.Frame) bool {
		ws.SetWriteDeadline(time.Now().Add(ch.settings.WriteTimeout))
		if err := ws.WriteJSON(f); err != nil {
			glog.Infof("[cs]note=%d %s-> error = %s", ch.noteID, f.Type, err)
			// 写超时后连接不可恢复，关掉让读循环退出
			ws.Close()
			return false
		}
		glog.V(2).Infof("[cs]note=%d %s seq=%d->", ch.noteID, f.Type, f.Seq)
		return true
	}

	// 先报一次在线
	if !write(protocol.Frame{Type: protocol.TypeHeartbeat}) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			if !write(f) {
				return
			}
		case <-heartbeat.C:
			if !write(protocol.Frame{Type: protocol.TypeHeartbeat}) {
				return
			}
		}
	}
}

func (ch *Channel) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				glog.Infof("[cr]note=%d<- error = %s", ch.noteID, err)
			}
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			glog.Warningf("[cr]note=%d drop malformed frame: %v", ch.noteID, err)
			continue
		}
		glog.V(2).Infof("[cr]note=%d %s seq=%d<-", ch.noteID, f.Type, f.Seq)
		if ch.ctx.Err() != nil {
			return
		}
		ch.dispatch(f)
	}
}

func (ch *Channel) dispatch(f protocol.Frame) {
	h := ch.handlers
	switch f.Type {
	case protocol.TypeAck:
		ch.mu.Lock()
		cb, ok := ch.pending[f.Seq]
		delete(ch.pending, f.Seq)
		ch.mu.Unlock()
		if !ok {
			glog.V(2).Infof("[cr]note=%d ack seq=%d without pending request", ch.noteID, f.Seq)
			return
		}
		ack, err := protocol.Decode[protocol.LockAck](f)
		if err != nil {
			glog.Warningf("[cr]note=%d bad ack: %s", ch.noteID, err)
		}
		cb(ack, err)
	case protocol.TypeSoftLockGranted:
		deliver(ch.noteID, f, h.OnLockGranted)
	case protocol.TypeSoftLockRelease:
		deliver(ch.noteID, f, h.OnLockReleased)
	case protocol.TypeLineUpdated:
		deliver(ch.noteID, f, h.OnLineUpdated)
	case protocol.TypePresence:
		deliver(ch.noteID, f, h.OnPresence)
	case protocol.TypeWelcome:
		deliver(ch.noteID, f, h.OnWelcome)
	case protocol.TypeError:
		deliver(ch.noteID, f, h.OnError)
	default:
		glog.V(2).Infof("[cr]note=%d ignore type=%s", ch.noteID, f.Type)
	}
}

// deliver 解码失败只记日志丢弃，不影响后续事件
func deliver[T any](noteID int64, f protocol.Frame, fn func(T)) {
	if fn == nil {
		return
	}
	v, err := protocol.Decode[T](f)
	if err != nil {
		glog.Warningf("[cr]note=%d drop %s: %s", noteID, f.Type, err)
		return
	}
	fn(v)
}

// setConnected 只在状态变化时回调；第一次连接结果无论成败都上报
func (ch *Channel) setConnected(connected bool) {
	ch.mu.Lock()
	changed := !ch.reported || ch.connected != connected
	ch.connected = connected
	ch.reported = true
	ch.mu.Unlock()
	if !changed || ch.ctx.Err() != nil {
		return
	}
	if fn := ch.handlers.OnConnectionChange; fn != nil {
		fn(connected)
	}
}
