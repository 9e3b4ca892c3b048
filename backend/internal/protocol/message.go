package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 客户端 -> 服务端
const (
	TypeRequestSoftLock = "request-soft-lock"
	TypeReleaseSoftLock = "release-soft-lock"
	TypePropagateUpdate = "propagate-line-update"
	TypeHeartbeat       = "heartbeat"
)

// 服务端 -> 客户端
const (
	TypeAck             = "ack"
	TypeSoftLockGranted = "soft-lock-granted"
	TypeSoftLockRelease = "soft-lock-released"
	TypeLineUpdated     = "line-updated"
	TypePresence        = "presence"
	TypeWelcome         = "welcome"
	TypeError           = "error"
)

var ErrMalformed = errors.New("malformed frame")

// Frame 是线上传输的统一外壳，data 按 type 再解码。
// seq 只在需要 ack 的请求以及对应的 ack 上出现。
type Frame struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type LockRequest struct {
	LineNumber int `json:"lineNumber"`
}

type LockAck struct {
	Success  bool   `json:"success"`
	LockedBy string `json:"lockedBy,omitempty"`
}

type LockGranted struct {
	LineNumber     int    `json:"lineNumber"`
	HolderIdentity string `json:"holderIdentity"`
}

type LockReleased struct {
	LineNumber int `json:"lineNumber"`
	// 主动释放者；服务端因断线强制解锁时为空
	ReleasedBy string `json:"releasedBy,omitempty"`
}

// LineUpdate 同时用于 propagate-line-update 与 line-updated。
// 指针字段为 nil 表示“未改动”。
type LineUpdate struct {
	LineNumber     int       `json:"lineNumber"`
	NoteID         int64     `json:"noteId,omitempty"`
	Content        *string   `json:"content,omitempty"`
	Color          *string   `json:"color,omitempty"`
	FontSize       *int      `json:"fontSize,omitempty"`
	Highlighted    *bool     `json:"highlighted,omitempty"`
	EditorIdentity string    `json:"editorIdentity,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

type Presence struct {
	NoteID  int64            `json:"noteId"`
	Members []PresenceMember `json:"members"`
}

type Welcome struct {
	NoteID   int64  `json:"noteId"`
	Identity string `json:"identity"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewFrame(typ string, seq uint64, payload any) (Frame, error) {
	f := Frame{Type: typ, Seq: seq}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	f.Data = b
	return f, nil
}

// Decode 把 frame.data 解到 T；行号类载荷额外校验行号为正。
func Decode[T any](f Frame) (T, error) {
	var v T
	if len(f.Data) == 0 {
		return v, fmt.Errorf("%w: %s without data", ErrMalformed, f.Type)
	}
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Type, err)
	}
	if ln, ok := any(&v).(interface{ lineNumber() int }); ok && ln.lineNumber() <= 0 {
		return v, fmt.Errorf("%w: %s: line number %d", ErrMalformed, f.Type, ln.lineNumber())
	}
	return v, nil
}

func (r *LockRequest) lineNumber() int  { return r.LineNumber }
func (g *LockGranted) lineNumber() int  { return g.LineNumber }
func (r *LockReleased) lineNumber() int { return r.LineNumber }
func (u *LineUpdate) lineNumber() int   { return u.LineNumber }

// Empty 判断更新是否不带任何字段
func (u LineUpdate) Empty() bool {
	return u.Content == nil && u.Color == nil && u.FontSize == nil && u.Highlighted == nil
}
