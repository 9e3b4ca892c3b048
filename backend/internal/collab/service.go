package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"syncflow/backend/internal/cache"
	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/protocol"
	"syncflow/backend/internal/store"
)

var (
	ErrEmptyTitle  = errors.New("title required")
	ErrInvalidLine = errors.New("line number must be positive")
	ErrEmptyUpdate = errors.New("update carries no fields")
	ErrEmptyHolder = errors.New("lock holder required")
)

// 行被别人锁住时拒绝写入
var ErrLockedByOther = errors.New("line locked by another editor")

const enqueueTimeout = 200 * time.Millisecond

// 白板协作服务接口
type Service interface {
	ListNotes(ctx context.Context, start, limit int) ([]entity.Note, error)
	CreateNote(ctx context.Context, ownerID uint64, title string) (*entity.Note, error)
	GetNote(ctx context.Context, noteID int64) (*entity.Note, error)

	ListLines(ctx context.Context, noteID int64, start, limit int) ([]entity.NoteLine, error)
	// SeedDefaultLines 文档没有任何行时写入默认的一批空行；已有行则原样返回
	SeedDefaultLines(ctx context.Context, noteID int64) ([]entity.NoteLine, error)
	SaveLine(ctx context.Context, line entity.NoteLine, editor string) error

	AcquireLock(ctx context.Context, noteID int64, line int, holder string) (LockResult, error)
	ReleaseLock(ctx context.Context, noteID int64, line int, holder string) (bool, error)
	// RefreshLock 持有者续期；锁已过期或换了主人时返回 false
	RefreshLock(ctx context.Context, noteID int64, line int, holder string) (bool, error)
	LockHolder(ctx context.Context, noteID int64, line int) (string, error)
	ApplyUpdate(ctx context.Context, noteID int64, upd protocol.LineUpdate) error
}

// NoteRepository 只声明，实现在 store 中
type NoteRepository interface {
	ListNotes(ctx context.Context, start, limit int) ([]entity.Note, error)
	GetNote(ctx context.Context, noteID int64) (*entity.Note, error)
	CreateNote(ctx context.Context, ownerID uint64, title string) (*entity.Note, error)
	ListLines(ctx context.Context, noteID int64, start, limit int) ([]entity.NoteLine, error)
	CreateLines(ctx context.Context, noteID int64, lines []entity.NoteLine) ([]entity.NoteLine, error)
	ApplyLineUpdate(ctx context.Context, noteID int64, upd protocol.LineUpdate) error
	SaveLine(ctx context.Context, line entity.NoteLine) error
}

// EventSink 接收行变更事件，生产环境是 KafkaDispatcher
type EventSink interface {
	Enqueue(ctx context.Context, evt LineEvent) error
}

type LockResult struct {
	Granted bool
	Holder  string
}

type Options struct {
	LockTTL      time.Duration
	DefaultLines int
}

type WhiteboardService struct {
	notes  NoteRepository
	locks  cache.SoftLockRegistry
	events EventSink
	opt    Options

	// 同一文档的并发加载/初始化合并成一次
	sf singleflight.Group
}

var _ Service = (*WhiteboardService)(nil)

func NewWhiteboardService(notes NoteRepository, locks cache.SoftLockRegistry, events EventSink, opt Options) *WhiteboardService {
	if opt.LockTTL <= 0 {
		opt.LockTTL = 5 * time.Minute
	}
	if opt.DefaultLines <= 0 {
		opt.DefaultLines = 10
	}
	return &WhiteboardService{notes: notes, locks: locks, events: events, opt: opt}
}

func (s *WhiteboardService) ListNotes(ctx context.Context, start, limit int) ([]entity.Note, error) {
	return s.notes.ListNotes(ctx, start, limit)
}

func (s *WhiteboardService) CreateNote(ctx context.Context, ownerID uint64, title string) (*entity.Note, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	return s.notes.CreateNote(ctx, ownerID, title)
}

func (s *WhiteboardService) GetNote(ctx context.Context, noteID int64) (*entity.Note, error) {
	return s.notes.GetNote(ctx, noteID)
}

func (s *WhiteboardService) ListLines(ctx context.Context, noteID int64, start, limit int) ([]entity.NoteLine, error) {
	if _, err := s.notes.GetNote(ctx, noteID); err != nil {
		return nil, err
	}
	return s.notes.ListLines(ctx, noteID, start, limit)
}

func (s *WhiteboardService) SeedDefaultLines(ctx context.Context, noteID int64) ([]entity.NoteLine, error) {
	v, err, _ := s.sf.Do("seed:"+strconv.FormatInt(noteID, 10), func() (interface{}, error) {
		if _, err := s.notes.GetNote(ctx, noteID); err != nil {
			return nil, err
		}
		existing, err := s.notes.ListLines(ctx, noteID, 0, 0)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return existing, nil
		}

		batch := make([]entity.NoteLine, s.opt.DefaultLines)
		for i := range batch {
			batch[i] = entity.NoteLine{LineNumber: i + 1}
		}
		created, err := s.notes.CreateLines(ctx, noteID, batch)
		if errors.Is(err, store.ErrDuplicateLine) {
			// 另一个实例抢先初始化了
			return s.notes.ListLines(ctx, noteID, 0, 0)
		}
		if err != nil {
			return nil, err
		}
		evt := newLineEvent(EventLinesSeeded, noteID)
		evt.LineCount = len(created)
		s.publish(evt)
		log.Printf("seeded default lines (note=%d count=%d)", noteID, len(created))
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]entity.NoteLine), nil
}

func (s *WhiteboardService) SaveLine(ctx context.Context, line entity.NoteLine, editor string) error {
	if line.LineNumber <= 0 {
		return ErrInvalidLine
	}
	if _, err := s.notes.GetNote(ctx, line.NoteID); err != nil {
		return err
	}
	if editor != "" {
		line.LastEditedBy = editor
	}
	if err := s.notes.SaveLine(ctx, line); err != nil {
		return fmt.Errorf("save line %d of note %d: %w", line.LineNumber, line.NoteID, err)
	}
	evt := newLineEvent(EventLineSaved, line.NoteID)
	evt.LineNumber = line.LineNumber
	evt.Editor = line.LastEditedBy
	s.publish(evt)
	return nil
}

func (s *WhiteboardService) AcquireLock(ctx context.Context, noteID int64, line int, holder string) (LockResult, error) {
	if line <= 0 {
		return LockResult{}, ErrInvalidLine
	}
	if holder == "" {
		return LockResult{}, ErrEmptyHolder
	}
	ok, cur, err := s.locks.Acquire(ctx, noteID, line, holder, s.opt.LockTTL)
	if err != nil {
		return LockResult{}, err
	}
	if !ok {
		log.Printf("softlock denied (note=%d line=%d holder=%s requester=%s)", noteID, line, cur, holder)
	}
	return LockResult{Granted: ok, Holder: cur}, nil
}

func (s *WhiteboardService) ReleaseLock(ctx context.Context, noteID int64, line int, holder string) (bool, error) {
	if line <= 0 {
		return false, ErrInvalidLine
	}
	return s.locks.Release(ctx, noteID, line, holder)
}

func (s *WhiteboardService) RefreshLock(ctx context.Context, noteID int64, line int, holder string) (bool, error) {
	if line <= 0 {
		return false, ErrInvalidLine
	}
	return s.locks.Refresh(ctx, noteID, line, holder, s.opt.LockTTL)
}

func (s *WhiteboardService) LockHolder(ctx context.Context, noteID int64, line int) (string, error) {
	return s.locks.Holder(ctx, noteID, line)
}

// ApplyUpdate 先落库再投递事件；事件投递失败只记日志。
// 持有者的每次写入都会给锁续期
func (s *WhiteboardService) ApplyUpdate(ctx context.Context, noteID int64, upd protocol.LineUpdate) error {
	if upd.LineNumber <= 0 {
		return ErrInvalidLine
	}
	if upd.Empty() {
		return ErrEmptyUpdate
	}
	holder, err := s.locks.Holder(ctx, noteID, upd.LineNumber)
	if err != nil {
		return err
	}
	if holder != "" && holder != upd.EditorIdentity {
		return fmt.Errorf("%w: line %d held by %s", ErrLockedByOther, upd.LineNumber, holder)
	}
	if holder != "" {
		if _, err := s.locks.Refresh(ctx, noteID, upd.LineNumber, holder, s.opt.LockTTL); err != nil {
			log.Printf("refresh softlock failed (note=%d line=%d holder=%s): %v", noteID, upd.LineNumber, holder, err)
		}
	}
	if err := s.notes.ApplyLineUpdate(ctx, noteID, upd); err != nil {
		return fmt.Errorf("apply update to line %d of note %d: %w", upd.LineNumber, noteID, err)
	}
	evt := newLineEvent(EventLineUpdated, noteID)
	evt.LineNumber = upd.LineNumber
	evt.Editor = upd.EditorIdentity
	evt.Update = &upd
	s.publish(evt)
	return nil
}

func (s *WhiteboardService) publish(evt LineEvent) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := s.events.Enqueue(ctx, evt); err != nil {
		log.Printf("enqueue line event failed (note=%d type=%s): %v", evt.NoteID, evt.EventType, err)
	}
}
