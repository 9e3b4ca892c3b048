package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"syncflow/backend/internal/notes"
)

// 测试里会调小
var lockWait = 5 * time.Second

func newNotesCmd(a *app) *cobra.Command {
	var start, limit int
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "List notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			list, err := api.ListNotes(cmd.Context(), start, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tLINES")
			for _, n := range list {
				fmt.Fprintf(w, "%d\t%s\t%d\n", n.ID, n.Title, n.LineCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "offset")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	return cmd
}

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "Create a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			n, err := api.CreateNote(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created note %d %q\n", n.ID, n.Title)
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <noteId>",
		Short: "Print the note and every change until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noteID, err := parseNoteID(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			api, err := a.client(ctx)
			if err != nil {
				return err
			}
			s := a.session(api)
			defer s.Close()

			p := &printer{out: cmd.OutOrStdout()}
			s.OnChange(p.print)
			if err := s.SelectDocument(ctx, noteID); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}

func newEditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <noteId> <line> <text>",
		Short: "Lock a line, replace its content and release it",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := parseLine(args[1])
			if err != nil {
				return err
			}
			text := strings.Join(args[2:], " ")
			return a.withLine(cmd, args[0], func(s *notes.Session) (int, error) {
				return line, nil
			}, func(s *notes.Session, n int) error {
				return s.UpdateLineContent(n, text)
			})
		},
	}
}

func newStyleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "style <noteId> <line> <color|fontSize|highlighted> <value>",
		Short: "Change one style property of a line",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := parseLine(args[1])
			if err != nil {
				return err
			}
			edit, err := notes.ParseStyleEdit(args[2], args[3])
			if err != nil {
				return err
			}
			return a.withLine(cmd, args[0], func(s *notes.Session) (int, error) {
				return line, nil
			}, func(s *notes.Session, _ int) error {
				return s.UpdateLineStyle(edit)
			})
		},
	}
}

func newAppendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "append <noteId> <text>",
		Short: "Add a line after the last one",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return a.withLine(cmd, args[0], func(s *notes.Session) (int, error) {
				return s.AddLine()
			}, func(s *notes.Session, n int) error {
				return s.UpdateLineContent(n, text)
			})
		},
	}
}

// withLine 打开文档、锁住 pick 选出的行、执行 edit，等 debounce 落库后释放
func (a *app) withLine(cmd *cobra.Command, noteArg string, pick func(*notes.Session) (int, error), edit func(*notes.Session, int) error) error {
	noteID, err := parseNoteID(noteArg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	api, err := a.client(ctx)
	if err != nil {
		return err
	}
	s := a.session(api)
	defer s.Close()

	changed := make(chan struct{}, 1)
	s.OnChange(func(notes.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err := s.SelectDocument(ctx, noteID); err != nil {
		return err
	}
	line, err := pick(s)
	if err != nil {
		return err
	}
	if err := s.FocusLine(line); err != nil {
		return fmt.Errorf("line %d: %w", line, err)
	}

	decided := func() bool {
		st := s.Status(line)
		return st.IsHeldBySelf || (st.IsLocked && !st.CanEdit)
	}
	if err := waitFor(ctx, changed, lockWait, decided); err != nil {
		if ctx.Err() != nil || s.Connected() {
			return fmt.Errorf("waiting for lock on line %d: %w", line, err)
		}
		// 连不上实时通道时只做本地编辑，persist 仍走 REST
		glog.Warningf("[cli] live channel unavailable, editing line %d without a lock", line)
	}
	if st := s.Status(line); !st.CanEdit {
		return fmt.Errorf("line %d is being edited by %s", line, st.Holder)
	}

	if err := edit(s, line); err != nil {
		return err
	}
	time.Sleep(a.settleDelay())
	s.WaitSaves()
	s.Blur()

	l, _ := s.Line(line)
	fmt.Fprintf(cmd.OutOrStdout(), "note %d line %d: %s\n", noteID, line, formatLine(l))
	return nil
}

// settleDelay 等 propagate 与 persist 两个窗口都过去
func (a *app) settleDelay() time.Duration {
	persist := a.cfg.Editor.PersistDelay
	if persist <= 0 {
		persist = notes.DefaultPersistDelay
	}
	propagate := a.cfg.Editor.PropagateDelay
	if propagate <= 0 {
		propagate = notes.DefaultPropagateDelay
	}
	return max(persist, propagate) + 100*time.Millisecond
}

func waitFor(ctx context.Context, changed <-chan struct{}, timeout time.Duration, cond func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for !cond() {
		select {
		case <-changed:
		case <-timer.C:
			return errors.New("timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// printer 只打印与上一次快照相比变化的部分
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	last *notes.Snapshot
}

func (p *printer) print(cur notes.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.last
	p.last = &cur
	if prev == nil || prev.NoteID != cur.NoteID || len(prev.Lines) == 0 {
		if len(cur.Lines) == 0 && cur.LoadError == nil {
			return
		}
		p.full(cur)
		return
	}
	if prev.Connected != cur.Connected {
		fmt.Fprintf(p.out, "* connected=%v\n", cur.Connected)
	}
	if cur.LoadError != nil && prev.LoadError == nil {
		fmt.Fprintf(p.out, "* load failed: %v\n", cur.LoadError)
	}
	old := make(map[int]notes.Line, len(prev.Lines))
	for _, l := range prev.Lines {
		old[l.Number] = l
	}
	for _, l := range cur.Lines {
		if o, ok := old[l.Number]; !ok || o != l {
			fmt.Fprintf(p.out, "%3d  %s\n", l.Number, formatLine(l))
		}
	}
	for line, holder := range cur.Locks {
		if prev.Locks[line] != holder {
			fmt.Fprintf(p.out, "* line %d locked by %s\n", line, holder)
		}
	}
	for line := range prev.Locks {
		if _, ok := cur.Locks[line]; !ok {
			fmt.Fprintf(p.out, "* line %d released\n", line)
		}
	}
}

func (p *printer) full(s notes.Snapshot) {
	if s.LoadError != nil {
		fmt.Fprintf(p.out, "* note %d load failed: %v\n", s.NoteID, s.LoadError)
		return
	}
	fmt.Fprintf(p.out, "note %d (%d lines)\n", s.NoteID, len(s.Lines))
	for _, l := range s.Lines {
		fmt.Fprintf(p.out, "%3d  %s\n", l.Number, formatLine(l))
	}
}

func formatLine(l notes.Line) string {
	var b strings.Builder
	b.WriteString(l.Content)
	fmt.Fprintf(&b, "  [%s %dpx", l.Color, l.FontSize)
	if l.Highlighted {
		b.WriteString(" hl")
	}
	if l.LastEditedBy != "" {
		b.WriteString(" by " + l.LastEditedBy)
	}
	b.WriteString("]")
	return b.String()
}
