package notes

import "syncflow/backend/internal/protocol"

// Reconcile merges a remote line update into lines in place and reports the
// index it touched. Echoes of self and updates for lines not loaded are dropped.
// Fields absent from upd are left unchanged.
func Reconcile(lines []Line, upd protocol.LineUpdate, self string) (int, bool) {
	if upd.EditorIdentity != "" && upd.EditorIdentity == self {
		return -1, false
	}
	idx := indexOf(lines, upd.LineNumber)
	if idx < 0 {
		return -1, false
	}
	l := &lines[idx]
	if upd.Content != nil {
		l.Content = *upd.Content
	}
	if upd.Color != nil {
		l.Color = *upd.Color
	}
	if upd.FontSize != nil {
		l.FontSize = *upd.FontSize
	}
	if upd.Highlighted != nil {
		l.Highlighted = *upd.Highlighted
	}
	if upd.EditorIdentity != "" {
		l.LastEditedBy = upd.EditorIdentity
	}
	return idx, true
}

func indexOf(lines []Line, number int) int {
	for i := range lines {
		if lines[i].Number == number {
			return i
		}
	}
	return -1
}
