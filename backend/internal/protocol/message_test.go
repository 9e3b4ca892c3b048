package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecode_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
	}{
		{"no data", Frame{Type: TypeRequestSoftLock}},
		{"bad json", Frame{Type: TypeRequestSoftLock, Data: json.RawMessage(`{"lineNumber":`)}},
		{"zero line", Frame{Type: TypeRequestSoftLock, Data: json.RawMessage(`{"lineNumber":0}`)}},
		{"negative line", Frame{Type: TypeLineUpdated, Data: json.RawMessage(`{"lineNumber":-2}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode[LockRequest](tt.f); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecode_PayloadWithoutLineNumber(t *testing.T) {
	f, err := NewFrame(TypeAck, 9, LockAck{Success: false, LockedBy: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	ack, err := Decode[LockAck](f)
	if err != nil || ack.LockedBy != "bob" || f.Seq != 9 {
		t.Fatalf("Decode() = %+v, %v", ack, err)
	}
}

func TestLineUpdate_AbsentFieldsOmitted(t *testing.T) {
	content := "hi"
	f, err := NewFrame(TypeLineUpdated, 0, LineUpdate{LineNumber: 3, Content: &content, EditorIdentity: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	raw := string(f.Data)
	for _, absent := range []string{"color", "fontSize", "highlighted"} {
		if strings.Contains(raw, absent) {
			t.Errorf("data %s contains %q", raw, absent)
		}
	}

	upd, err := Decode[LineUpdate](f)
	if err != nil {
		t.Fatal(err)
	}
	if upd.Content == nil || *upd.Content != "hi" || upd.Color != nil || upd.FontSize != nil || upd.Highlighted != nil {
		t.Fatalf("decoded = %+v", upd)
	}
	if upd.Empty() || !(LineUpdate{LineNumber: 3}).Empty() {
		t.Fatal("Empty() mismatch")
	}
}

func TestNewFrame_NilPayload(t *testing.T) {
	f, err := NewFrame(TypeHeartbeat, 0, nil)
	if err != nil || f.Data != nil {
		t.Fatalf("NewFrame(nil) = %+v, %v", f, err)
	}
	b, _ := json.Marshal(f)
	if string(b) != `{"type":"heartbeat"}` {
		t.Fatalf("wire = %s", b)
	}
}
