package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"syncflow/backend/internal/collab"
	"syncflow/backend/internal/protocol"
)

const (
	sendQueueSize = 64
	opTimeout     = 200 * time.Millisecond
	writeWait     = 10 * time.Second
	cleanupWait   = 2 * time.Second
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	noteID   int64
	userID   uint64
	username string
	clientID string
	// 出站队列，只由 writeLoop 消费
	send chan protocol.Frame
	// 协作引擎服务
	svc collab.Service
	// 信号量控制
	sem *collab.SemaphoreControl

	// 本连接持有的行锁；同一用户的其他连接会在 hub 里查看
	heldMu sync.Mutex
	held   map[int]struct{}
}

func NewConn(ws *websocket.Conn, hub *Hub, noteID int64, userID uint64, username, clientID string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		noteID:   noteID,
		userID:   userID,
		username: username,
		clientID: clientID,
		send:     make(chan protocol.Frame, sendQueueSize),
		svc:      svc,
		sem:      sem,
		held:     make(map[int]struct{}),
	}
}

// SendMessage_Enqueue 非阻塞入队，队列满则丢弃
func (c *Conn) SendMessage_Enqueue(f protocol.Frame) {
	select {
	case c.send <- f:
	default:
		log.Printf("send queue full, drop %s (user=%s note=%d)", f.Type, c.username, c.noteID)
	}
}

func (c *Conn) reply(typ string, seq uint64, payload any) {
	f, err := protocol.NewFrame(typ, seq, payload)
	if err != nil {
		log.Printf("encode %s failed: %v", typ, err)
		return
	}
	c.SendMessage_Enqueue(f)
}

func (c *Conn) replyError(seq uint64, msg string) {
	c.reply(protocol.TypeError, seq, protocol.ErrorPayload{Message: msg})
}

func (c *Conn) broadcast(typ string, payload any) {
	f, err := protocol.NewFrame(typ, 0, payload)
	if err != nil {
		log.Printf("encode %s failed: %v", typ, err)
		return
	}
	c.hub.Broadcast(c.noteID, c, f)
}

func (c *Conn) hold(line int) {
	c.heldMu.Lock()
	c.held[line] = struct{}{}
	c.heldMu.Unlock()
}

// unhold 返回该行之前是否由本连接持有
func (c *Conn) unhold(line int) bool {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	_, ok := c.held[line]
	delete(c.held, line)
	return ok
}

func (c *Conn) holds(line int) bool {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	_, ok := c.held[line]
	return ok
}

func (c *Conn) heldLines() []int {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	out := make([]int, 0, len(c.held))
	for line := range c.held {
		out = append(out, line)
	}
	return out
}

// releaseHeld 释放本连接持有的一行并返回是否需要广播 soft-lock-released。
// 同一用户的另一个连接还在这一行上时保留锁；
// 锁已经过期（删不到）但也没被别人拿走时，仍然需要通知其他人
func (c *Conn) releaseHeld(ctx context.Context, line int) (bool, error) {
	wasHeld := c.unhold(line)
	if wasHeld && c.hub.HeldByOtherConn(c.noteID, c, c.username, line) {
		return false, nil
	}
	released, err := c.svc.ReleaseLock(ctx, c.noteID, line, c.username)
	if err != nil || released || !wasHeld {
		return released, err
	}
	holder, err := c.svc.LockHolder(ctx, c.noteID, line)
	if err != nil {
		return false, err
	}
	return holder == "" || holder == c.username, nil
}

func (c *Conn) withSem(ctx context.Context, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if c.sem != nil {
		if err := c.sem.Acquire(opCtx); err != nil {
			return err
		}
		defer c.sem.Release()
	}
	return fn(opCtx)
}

func (c *Conn) handleRequestLock(ctx context.Context, f protocol.Frame) {
	req, err := protocol.Decode[protocol.LockRequest](f)
	if err != nil {
		// 带 seq 的请求必须有 ack，客户端才不会一直等
		c.reply(protocol.TypeAck, f.Seq, protocol.LockAck{Success: false})
		c.replyError(f.Seq, err.Error())
		return
	}

	var res collab.LockResult
	err = c.withSem(ctx, func(ctx context.Context) error {
		res, err = c.svc.AcquireLock(ctx, c.noteID, req.LineNumber, c.username)
		return err
	})
	if err != nil {
		log.Printf("acquire softlock error (note=%d line=%d user=%s): %v", c.noteID, req.LineNumber, c.username, err)
		c.reply(protocol.TypeAck, f.Seq, protocol.LockAck{Success: false})
		return
	}
	if !res.Granted {
		c.reply(protocol.TypeAck, f.Seq, protocol.LockAck{Success: false, LockedBy: res.Holder})
		return
	}

	c.hold(req.LineNumber)
	c.reply(protocol.TypeAck, f.Seq, protocol.LockAck{Success: true, LockedBy: c.username})
	c.broadcast(protocol.TypeSoftLockGranted, protocol.LockGranted{LineNumber: req.LineNumber, HolderIdentity: c.username})
}

func (c *Conn) handleReleaseLock(ctx context.Context, f protocol.Frame) {
	req, err := protocol.Decode[protocol.LockRequest](f)
	if err != nil {
		c.replyError(f.Seq, err.Error())
		return
	}
	var notify bool
	err = c.withSem(ctx, func(ctx context.Context) error {
		notify, err = c.releaseHeld(ctx, req.LineNumber)
		return err
	})
	if err != nil {
		log.Printf("release softlock error (note=%d line=%d user=%s): %v", c.noteID, req.LineNumber, c.username, err)
		return
	}
	if notify {
		c.broadcast(protocol.TypeSoftLockRelease, protocol.LockReleased{LineNumber: req.LineNumber, ReleasedBy: c.username})
	}
}

func (c *Conn) handlePropagate(ctx context.Context, f protocol.Frame) {
	upd, err := protocol.Decode[protocol.LineUpdate](f)
	if err != nil {
		c.replyError(f.Seq, err.Error())
		return
	}
	// 编辑者以鉴权身份为准，客户端填的值不可信
	upd.EditorIdentity = c.username
	upd.NoteID = c.noteID
	if upd.Timestamp.IsZero() {
		upd.Timestamp = time.Now()
	}

	err = c.withSem(ctx, func(ctx context.Context) error {
		return c.svc.ApplyUpdate(ctx, c.noteID, upd)
	})
	if err != nil {
		if !errors.Is(err, collab.ErrLockedByOther) {
			log.Printf("apply line update error (note=%d line=%d user=%s): %v", c.noteID, upd.LineNumber, c.username, err)
		}
		c.replyError(f.Seq, err.Error())
		return
	}
	c.broadcast(protocol.TypeLineUpdated, upd)
}

// refreshHeld 给本连接持有的锁续期；已过期的重新抢一次，被别人拿走的就不再算持有
func (c *Conn) refreshHeld(ctx context.Context) {
	for _, line := range c.heldLines() {
		err := c.withSem(ctx, func(ctx context.Context) error {
			ok, err := c.svc.RefreshLock(ctx, c.noteID, line, c.username)
			if err != nil || ok {
				return err
			}
			res, err := c.svc.AcquireLock(ctx, c.noteID, line, c.username)
			if err != nil {
				return err
			}
			if !res.Granted {
				log.Printf("softlock lost (note=%d line=%d user=%s now=%s)", c.noteID, line, c.username, res.Holder)
				c.unhold(line)
			}
			return nil
		})
		if err != nil {
			log.Printf("refresh softlock error (note=%d line=%d user=%s): %v", c.noteID, line, c.username, err)
		}
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	c.refreshHeld(ctx)
	if c.hub.presence == nil {
		return
	}
	if err := c.hub.presence.AddMember(ctx, c.noteID, c.userID, c.username, c.hub.presenceTTL); err != nil {
		log.Printf("add member error: %v", err)
		return
	}
	c.hub.BroadcastPresence(ctx, c.noteID)
}

func (c *Conn) dispatch(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeRequestSoftLock:
		c.handleRequestLock(ctx, f)
	case protocol.TypeReleaseSoftLock:
		c.handleReleaseLock(ctx, f)
	case protocol.TypePropagateUpdate:
		c.handlePropagate(ctx, f)
	case protocol.TypeHeartbeat:
		c.handleHeartbeat(ctx)
	default:
		c.replyError(f.Seq, "unknown message type: "+f.Type)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.cleanup()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read error (user=%s note=%d): %v", c.username, c.noteID, err)
			}
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			c.replyError(0, protocol.ErrMalformed.Error())
			continue
		}
		c.dispatch(ctx, f)
	}
}

// cleanup 断线后离开房间、释放本连接持有的锁并通知其他人
func (c *Conn) cleanup() {
	c.hub.Leave(c.noteID, c)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupWait)
	defer cancel()
	for _, line := range c.heldLines() {
		notify, err := c.releaseHeld(ctx, line)
		if err != nil {
			log.Printf("release softlock on disconnect error (note=%d line=%d user=%s): %v", c.noteID, line, c.username, err)
			continue
		}
		if notify {
			c.broadcast(protocol.TypeSoftLockRelease, protocol.LockReleased{LineNumber: line})
		}
	}

	if c.hub.presence != nil {
		if err := c.hub.presence.RemoveMember(ctx, c.noteID, c.userID); err != nil {
			log.Printf("remove member error: %v", err)
		}
		c.hub.BroadcastPresence(ctx, c.noteID)
	}
	close(c.send)
}

func (c *Conn) writeLoop() {
	// 持续消费出站队列；写失败后关闭底层连接让 readLoop 退出
	for f := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(f); err != nil {
			log.Printf("write error (user=%s note=%d): %v", c.username, c.noteID, err)
			c.ws.Close()
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.ws.Close()
}
