package collab

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"syncflow/backend/internal/protocol"
)

const (
	EventLineUpdated = "LINE_UPDATED"
	EventLineSaved   = "LINE_SAVED"
	EventLinesSeeded = "LINES_SEEDED"
)

// LineEvent 发往 Kafka 的行变更事件，按 noteId 分区保证同一文档有序
type LineEvent struct {
	EventID    string               `json:"eventId"`
	EventType  string               `json:"eventType"`
	NoteID     int64                `json:"noteId"`
	LineNumber int                  `json:"lineNumber,omitempty"`
	LineCount  int                  `json:"lineCount,omitempty"`
	Update     *protocol.LineUpdate `json:"update,omitempty"`
	Editor     string               `json:"editor,omitempty"`
	OccurredAt time.Time            `json:"occurredAt"`
}

func newLineEvent(typ string, noteID int64) LineEvent {
	return LineEvent{
		EventID:    uuid.NewString(),
		EventType:  typ,
		NoteID:     noteID,
		OccurredAt: time.Now(),
	}
}

func (e LineEvent) key() string {
	return strconv.FormatInt(e.NoteID, 10)
}
