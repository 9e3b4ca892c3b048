package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/protocol"
)

// 需要真实 MySQL：SYNCFLOW_TEST_MYSQL_DSN=user:pass@tcp(127.0.0.1:3306)/syncflow_test?parseTime=true
func setupMySQL(t *testing.T) (*NoteStore, *UserStore) {
	dsn := os.Getenv("SYNCFLOW_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: SYNCFLOW_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM note_lines")
		db.Exec("DELETE FROM notes")
		db.Exec("DELETE FROM users")
	})
	return NewNoteStore(db), NewUserStore(db)
}

func TestNoteStore_LinesRoundTrip(t *testing.T) {
	notes, _ := setupMySQL(t)
	ctx := context.Background()

	n, err := notes.CreateNote(ctx, 1, "mysql")
	if err != nil {
		t.Fatalf("CreateNote() error = %v", err)
	}
	if _, err := notes.CreateLines(ctx, n.ID, []entity.NoteLine{{LineNumber: 1}, {LineNumber: 2}}); err != nil {
		t.Fatalf("CreateLines() error = %v", err)
	}
	if _, err := notes.CreateLines(ctx, n.ID, []entity.NoteLine{{LineNumber: 2}}); !errors.Is(err, ErrDuplicateLine) {
		t.Fatalf("CreateLines() duplicate error = %v, want ErrDuplicateLine", err)
	}

	content := "hello"
	if err := notes.ApplyLineUpdate(ctx, n.ID, protocol.LineUpdate{LineNumber: 2, Content: &content, EditorIdentity: "alice"}); err != nil {
		t.Fatalf("ApplyLineUpdate() error = %v", err)
	}
	lines, err := notes.ListLines(ctx, n.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListLines() error = %v", err)
	}
	if len(lines) != 2 || lines[1].Content != "hello" || lines[1].Color != entity.DefaultColor {
		t.Fatalf("lines = %+v", lines)
	}

	if err := notes.SaveLine(ctx, entity.NoteLine{NoteID: n.ID, LineNumber: 2, Content: "saved", FontSize: 20}); err != nil {
		t.Fatalf("SaveLine() error = %v", err)
	}
	got, _ := notes.GetNote(ctx, n.ID)
	if got.LineCount != 2 {
		t.Fatalf("LineCount = %d, want 2", got.LineCount)
	}
}

func TestUserStore_DuplicateUsername(t *testing.T) {
	_, users := setupMySQL(t)
	ctx := context.Background()
	if _, err := users.CreateUser(ctx, "alice", []byte("h")); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if _, err := users.CreateUser(ctx, "alice", []byte("h")); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("CreateUser() duplicate error = %v, want ErrUsernameTaken", err)
	}
}
