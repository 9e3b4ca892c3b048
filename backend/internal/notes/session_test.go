package notes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/protocol"
)

func TestSession_SelectDocumentSeedsEmptyNote(t *testing.T) {
	h := newHarness(t)
	h.open(t, 7)

	lines := h.s.Lines()
	if len(lines) != 10 {
		t.Fatalf("len(lines) = %d, want 10", len(lines))
	}
	for i, l := range lines {
		if l.Number != i+1 || l.Color != entity.DefaultColor || l.FontSize != entity.DefaultFontSize || l.Highlighted {
			t.Fatalf("lines[%d] = %+v", i, l)
		}
	}
	if h.src.seeded != 1 {
		t.Fatalf("seeded = %d, want 1", h.src.seeded)
	}
	if c := h.conn.last(); c.noteID != 7 || c.token != "tok" {
		t.Fatalf("connect = note %d token %q", c.noteID, c.token)
	}
}

func TestSession_LoadFailureIsStateNotPanic(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("collaborator down")
	h.src.setErr(boom)

	if err := h.s.SelectDocument(context.Background(), 7); !errors.Is(err, boom) {
		t.Fatalf("SelectDocument() error = %v, want %v", err, boom)
	}
	if !errors.Is(h.s.LoadError(), boom) || len(h.s.Lines()) != 0 {
		t.Fatalf("LoadError() = %v, lines = %d", h.s.LoadError(), len(h.s.Lines()))
	}

	h.src.setErr(nil)
	if err := h.s.LoadLines(context.Background()); err != nil {
		t.Fatalf("LoadLines() error = %v", err)
	}
	if h.s.LoadError() != nil || len(h.s.Lines()) != 10 {
		t.Fatalf("after retry LoadError() = %v, lines = %d", h.s.LoadError(), len(h.s.Lines()))
	}
}

func TestSession_SelectSameNoteIsNoop(t *testing.T) {
	h := newHarness(t)
	h.open(t, 7)
	if err := h.s.SelectDocument(context.Background(), 7); err != nil {
		t.Fatalf("SelectDocument() again error = %v", err)
	}
	if h.conn.count() != 1 {
		t.Fatalf("connects = %d, want 1", h.conn.count())
	}
}

func TestSession_LoadSupersededBySecondSelect(t *testing.T) {
	h := newHarness(t)
	h.src.hook = func(int64) {
		if err := h.s.SelectDocument(context.Background(), 8); err != nil {
			t.Errorf("nested SelectDocument() error = %v", err)
		}
	}
	if err := h.s.SelectDocument(context.Background(), 7); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("SelectDocument(7) error = %v, want ErrSuperseded", err)
	}
	if h.s.NoteID() != 8 || len(h.s.Lines()) != 10 {
		t.Fatalf("NoteID() = %d, lines = %d", h.s.NoteID(), len(h.s.Lines()))
	}
	if !h.conn.conns[0].ch.closed {
		t.Fatal("channel of note 7 not closed")
	}
}

func TestSession_CanEditNeverTrueWhenHeldByOther(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)

	c.h.OnLockGranted(protocol.LockGranted{LineNumber: 3, HolderIdentity: "bob"})
	st := h.s.Status(3)
	if !st.IsLocked || st.Holder != "bob" || st.IsHeldBySelf || st.CanEdit {
		t.Fatalf("Status(3) = %+v", st)
	}
	if err := h.s.UpdateLineContent(3, "x"); !errors.Is(err, ErrLineLocked) {
		t.Fatalf("UpdateLineContent(3) error = %v, want ErrLineLocked", err)
	}
	if err := h.s.DeleteLine(3); !errors.Is(err, ErrLineLocked) {
		t.Fatalf("DeleteLine(3) error = %v, want ErrLineLocked", err)
	}
	if !h.s.CanEdit(4) {
		t.Fatal("CanEdit(4) = false for an unlocked line")
	}

	// 自己的回声不会改变锁表
	c.h.OnLockGranted(protocol.LockGranted{LineNumber: 5, HolderIdentity: "alice"})
	if h.s.Status(5).IsLocked {
		t.Fatalf("Status(5) = %+v after own echo", h.s.Status(5))
	}

	c.h.OnLockReleased(protocol.LockReleased{LineNumber: 3, ReleasedBy: "bob"})
	if !h.s.CanEdit(3) {
		t.Fatal("CanEdit(3) = false after release")
	}
}

func TestSession_RequestLockHeldBySelfSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.hold(t, c, 3)

	for i := 0; i < 3; i++ {
		if err := h.s.RequestLock(3); err != nil {
			t.Fatalf("RequestLock(3) error = %v", err)
		}
	}
	if locks, _, _ := c.ch.counts(); locks != 1 {
		t.Fatalf("lock requests = %d, want 1", locks)
	}
}

func TestSession_PendingRequestNotDuplicated(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.s.FocusLine(3)
	h.s.RequestLock(3)
	if locks, _, _ := c.ch.counts(); locks != 1 {
		t.Fatalf("lock requests = %d, want 1", locks)
	}
}

func TestSession_LockDeniedRecordsHolder(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.s.FocusLine(3)
	c.ch.answer(t, protocol.LockAck{Success: false, LockedBy: "bob"}, nil)

	st := h.s.Status(3)
	if st.Holder != "bob" || st.CanEdit {
		t.Fatalf("Status(3) = %+v", st)
	}
	if h.s.Selected() != 3 {
		t.Fatalf("Selected() = %d, want 3", h.s.Selected())
	}
}

func TestSession_FocusChangeReleasesPreviousLine(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.hold(t, c, 3)

	h.s.FocusLine(4)
	if _, releases, _ := c.ch.counts(); releases != 1 {
		t.Fatalf("releases = %d, want 1", releases)
	}
	if h.s.Status(3).IsLocked {
		t.Fatalf("Status(3) = %+v after focus change", h.s.Status(3))
	}

	h.s.Blur()
	if h.s.Selected() != 0 {
		t.Fatalf("Selected() = %d after Blur", h.s.Selected())
	}
}

func TestSession_LateGrantAfterFocusMovedIsReturned(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.s.FocusLine(3)
	h.s.FocusLine(4)

	if line := c.ch.answer(t, protocol.LockAck{Success: true}, nil); line != 3 {
		t.Fatalf("answered line %d, want 3", line)
	}
	if h.s.Status(3).IsLocked {
		t.Fatalf("Status(3) = %+v, want released", h.s.Status(3))
	}
	if _, releases, _ := c.ch.counts(); releases != 1 {
		t.Fatalf("releases = %d, want 1", releases)
	}
	c.ch.answer(t, protocol.LockAck{Success: true}, nil)
	if !h.s.Status(4).IsHeldBySelf {
		t.Fatalf("Status(4) = %+v", h.s.Status(4))
	}
}

func TestSession_FocusWhileDisconnectedRequestsOnConnect(t *testing.T) {
	h := newHarness(t)
	if err := h.s.SelectDocument(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	c := h.conn.last()
	if err := h.s.FocusLine(3); err != nil {
		t.Fatalf("FocusLine() error = %v", err)
	}
	if locks, _, _ := c.ch.counts(); locks != 0 {
		t.Fatalf("lock requests before connect = %d", locks)
	}
	c.up()
	if locks, _, _ := c.ch.counts(); locks != 1 {
		t.Fatalf("lock requests after connect = %d, want 1", locks)
	}
}

func TestSession_ConnectivityChangeClearsLocks(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.hold(t, c, 3)
	c.h.OnLockGranted(protocol.LockGranted{LineNumber: 4, HolderIdentity: "bob"})

	c.down()
	if h.s.Connected() {
		t.Fatal("Connected() = true after drop")
	}
	if h.s.Status(3).IsLocked || h.s.Status(4).IsLocked {
		t.Fatalf("locks survived disconnect: %v", h.s.Snapshot().Locks)
	}

	c.up()
	if locks, _, _ := c.ch.counts(); locks != 2 {
		t.Fatalf("lock requests = %d, want re-request on reconnect", locks)
	}
	if h.s.Status(3).IsLocked {
		t.Fatal("line 3 locked before the new grant")
	}
}

func TestSession_StaleReleaseIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.hold(t, c, 3)

	c.h.OnLockReleased(protocol.LockReleased{LineNumber: 3, ReleasedBy: "bob"})
	if !h.s.Status(3).IsHeldBySelf {
		t.Fatal("release by another holder cleared our lock")
	}
	// 不带 releasedBy 的是服务端断线清理
	c.h.OnLockReleased(protocol.LockReleased{LineNumber: 3})
	if h.s.Status(3).IsLocked {
		t.Fatal("forced release ignored")
	}
}

func TestSession_EchoSuppressed(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	c.h.OnLineUpdated(protocol.LineUpdate{LineNumber: 3, Content: strPtr("stale"), EditorIdentity: "alice"})
	if l, _ := h.s.Line(3); l.Content != "" {
		t.Fatalf("echo applied: %+v", l)
	}
}

func TestSession_RemoteUpdateMergesPresentFieldsOnly(t *testing.T) {
	h := newHarness(t)
	h.src.lines[7] = []entity.NoteLine{
		{LineNumber: 3, Content: "old", Color: "#ff0000", FontSize: 18, Highlighted: true},
	}
	c := h.open(t, 7)

	c.h.OnLineUpdated(protocol.LineUpdate{LineNumber: 3, Content: strPtr("new"), EditorIdentity: "bob"})
	l, _ := h.s.Line(3)
	if l.Content != "new" || l.Color != "#ff0000" || l.FontSize != 18 || !l.Highlighted || l.LastEditedBy != "bob" {
		t.Fatalf("line 3 = %+v", l)
	}

	// 未加载的行直接丢弃
	c.h.OnLineUpdated(protocol.LineUpdate{LineNumber: 42, Content: strPtr("x"), EditorIdentity: "bob"})
	if len(h.s.Lines()) != 1 {
		t.Fatalf("unknown line materialized: %+v", h.s.Lines())
	}
}

func TestSession_DebounceCoalescesPropagation(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.hold(t, c, 3)

	h.s.UpdateLineContent(3, "a")
	h.sched.Advance(200 * time.Millisecond)
	h.s.UpdateLineContent(3, "ab")
	h.sched.Advance(349 * time.Millisecond)
	if _, _, updates := c.ch.counts(); updates != 0 {
		t.Fatalf("updates = %d before the window closed", updates)
	}
	h.sched.Advance(time.Millisecond)
	if _, _, updates := c.ch.counts(); updates != 1 {
		t.Fatalf("updates = %d, want 1", updates)
	}
	upd := c.ch.lastUpdate()
	if upd.LineNumber != 3 || upd.NoteID != 7 || *upd.Content != "ab" || *upd.FontSize != 14 ||
		*upd.Color != entity.DefaultColor || upd.EditorIdentity != "alice" || upd.Timestamp.IsZero() {
		t.Fatalf("update = %+v", upd)
	}

	if len(h.saver.all()) != 0 {
		t.Fatal("persisted before the persist window closed")
	}
	h.sched.Advance(150 * time.Millisecond)
	h.s.WaitSaves()
	saved := h.saver.all()
	if len(saved) != 1 || saved[0].Content != "ab" || saved[0].NoteID != 7 || saved[0].LastEditedBy != "alice" {
		t.Fatalf("saved = %+v", saved)
	}
	if l, _ := h.s.Line(3); l.LastEditedBy != "alice" {
		t.Fatalf("LastEditedBy = %q after persist", l.LastEditedBy)
	}
}

func TestSession_EditWithoutConnectionStaysLocal(t *testing.T) {
	h := newHarness(t)
	if err := h.s.SelectDocument(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	c := h.conn.last()
	if err := h.s.UpdateLineContent(2, "offline"); err != nil {
		t.Fatalf("UpdateLineContent() error = %v", err)
	}
	h.sched.Advance(time.Second)
	h.s.WaitSaves()
	if _, _, updates := c.ch.counts(); updates != 0 {
		t.Fatalf("updates = %d while disconnected", updates)
	}
	if l, _ := h.s.Line(2); l.Content != "offline" {
		t.Fatalf("line 2 = %+v", l)
	}
	if len(h.saver.all()) != 1 {
		t.Fatalf("saved = %d, want 1", len(h.saver.all()))
	}
}

func TestSession_TeardownCancelsPendingTimers(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.s.UpdateLineContent(3, "pending")
	h.s.UpdateLineContent(4, "pending")
	if h.sched.Active() != 4 {
		t.Fatalf("active timers = %d, want 4", h.sched.Active())
	}

	if err := h.s.SelectDocument(context.Background(), 8); err != nil {
		t.Fatal(err)
	}
	if h.sched.Active() != 0 {
		t.Fatalf("active timers after teardown = %d", h.sched.Active())
	}
	h.sched.Advance(time.Second)
	h.s.WaitSaves()
	if _, _, updates := c.ch.counts(); updates != 0 || len(h.saver.all()) != 0 {
		t.Fatalf("side effects after teardown: updates=%d saves=%d", updates, len(h.saver.all()))
	}
	if !c.ch.closed {
		t.Fatal("old channel not closed")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	h.hold(t, c, 3)
	h.s.UpdateLineContent(3, "x")

	h.s.Close()
	h.s.Close()
	h.sched.Advance(time.Second)
	if _, releases, updates := c.ch.counts(); updates != 0 || releases != 1 {
		t.Fatalf("after Close updates=%d releases=%d", updates, releases)
	}
	if err := h.s.SelectDocument(context.Background(), 7); !errors.Is(err, ErrClosed) {
		t.Fatalf("SelectDocument() after Close error = %v", err)
	}
}

func TestSession_OldGenerationCallbacksIgnored(t *testing.T) {
	h := newHarness(t)
	old := h.open(t, 7)
	h.s.FocusLine(3)
	h.open(t, 8)

	old.h.OnLineUpdated(protocol.LineUpdate{LineNumber: 1, Content: strPtr("ghost"), EditorIdentity: "bob"})
	old.h.OnLockGranted(protocol.LockGranted{LineNumber: 2, HolderIdentity: "bob"})
	old.ch.answer(t, protocol.LockAck{Success: true}, nil)
	old.h.OnConnectionChange(false)

	if l, _ := h.s.Line(1); l.Content != "" {
		t.Fatalf("line 1 = %+v", l)
	}
	if h.s.Status(2).IsLocked || h.s.Status(3).IsLocked {
		t.Fatalf("locks = %v", h.s.Snapshot().Locks)
	}
	if !h.s.Connected() {
		t.Fatal("stale disconnect flipped the new channel state")
	}
}

func TestSession_UpdateLineStyle(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	if err := h.s.UpdateLineStyle(ColorEdit{Color: "#00ff00"}); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("UpdateLineStyle() without focus error = %v", err)
	}
	h.hold(t, c, 2)

	edit, err := ParseStyleEdit("fontSize", "huge")
	if err != nil {
		t.Fatal(err)
	}
	h.s.UpdateLineStyle(edit)
	h.s.UpdateLineStyle(ColorEdit{Color: "#00ff00"})
	h.s.UpdateLineStyle(HighlightEdit{Highlighted: true})
	h.sched.Advance(DefaultPropagateDelay)

	if _, _, updates := c.ch.counts(); updates != 1 {
		t.Fatalf("updates = %d, want 1", updates)
	}
	upd := c.ch.lastUpdate()
	if *upd.FontSize != 14 || *upd.Color != "#00ff00" || !*upd.Highlighted {
		t.Fatalf("update = %+v", upd)
	}
}

func TestSession_LoadKeepsPendingLocalEdits(t *testing.T) {
	h := newHarness(t)
	h.open(t, 7)
	h.s.UpdateLineContent(1, "typing")
	h.src.lines[7][1].Content = "remote"

	if err := h.s.LoadLines(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l, _ := h.s.Line(1); l.Content != "typing" {
		t.Fatalf("line 1 = %+v", l)
	}
	if l, _ := h.s.Line(2); l.Content != "remote" {
		t.Fatalf("line 2 = %+v", l)
	}
}

func TestSession_AddAndDeleteLine(t *testing.T) {
	h := newHarness(t)
	if _, err := h.s.AddLine(); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("AddLine() without note error = %v", err)
	}
	c := h.open(t, 7)

	n, err := h.s.AddLine()
	if err != nil || n != 11 {
		t.Fatalf("AddLine() = %d, %v; want 11", n, err)
	}
	l, ok := h.s.Line(11)
	if !ok || l != DefaultLine(11) {
		t.Fatalf("line 11 = %+v", l)
	}

	h.hold(t, c, 11)
	h.s.UpdateLineContent(11, "bye")
	if err := h.s.DeleteLine(11); err != nil {
		t.Fatalf("DeleteLine(11) error = %v", err)
	}
	if h.sched.Active() != 0 || h.s.Selected() != 0 {
		t.Fatalf("active timers = %d, selected = %d", h.sched.Active(), h.s.Selected())
	}
	if _, releases, _ := c.ch.counts(); releases != 1 {
		t.Fatalf("releases = %d, want 1", releases)
	}
	if err := h.s.DeleteLine(11); !errors.Is(err, ErrNoLine) {
		t.Fatalf("DeleteLine(11) again error = %v", err)
	}
	if n, _ := h.s.AddLine(); n != 11 {
		t.Fatalf("AddLine() after delete = %d, want 11", n)
	}
	if err := h.s.UpdateLineContent(99, "x"); !errors.Is(err, ErrNoLine) {
		t.Fatalf("UpdateLineContent(99) error = %v", err)
	}
}

func TestSession_WelcomeIdentityUsedForEchoSuppression(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, 7)
	c.h.OnWelcome(protocol.Welcome{NoteID: 7, Identity: "alice@corp"})
	if h.s.Identity() != "alice@corp" {
		t.Fatalf("Identity() = %q", h.s.Identity())
	}
	c.h.OnLineUpdated(protocol.LineUpdate{LineNumber: 1, Content: strPtr("echo"), EditorIdentity: "alice@corp"})
	if l, _ := h.s.Line(1); l.Content != "" {
		t.Fatalf("echo applied: %+v", l)
	}
}

func TestSession_OnChangeRunsOutsideLock(t *testing.T) {
	h := newHarness(t)
	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	h.s.OnChange(func(s Snapshot) {
		// 回调里再读 session 不能死锁
		_ = h.s.Lines()
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	c := h.open(t, 7)
	c.h.OnPresence(protocol.Presence{NoteID: 7, Members: []protocol.PresenceMember{{UserID: 1, Username: "alice"}}})

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) < 3 {
		t.Fatalf("snapshots = %d", len(snaps))
	}
	last := snaps[len(snaps)-1]
	if last.NoteID != 7 || !last.Connected || len(last.Lines) != 10 || len(last.Members) != 1 {
		t.Fatalf("last snapshot = %+v", last)
	}
}
