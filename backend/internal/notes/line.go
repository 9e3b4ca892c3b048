package notes

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/protocol"
)

// Line is the client's copy of one note line.
type Line struct {
	Number      int
	Content     string
	Color       string
	FontSize    int
	Highlighted bool
	// advisory only
	LastEditedBy string
}

func DefaultLine(number int) Line {
	return Line{Number: number, Color: entity.DefaultColor, FontSize: entity.DefaultFontSize}
}

func lineFromEntity(e entity.NoteLine) Line {
	e.Normalize()
	return Line{
		Number:       e.LineNumber,
		Content:      e.Content,
		Color:        e.Color,
		FontSize:     e.FontSize,
		Highlighted:  e.Highlighted,
		LastEditedBy: e.LastEditedBy,
	}
}

func (l Line) entity(noteID int64) entity.NoteLine {
	return entity.NoteLine{
		NoteID:       noteID,
		LineNumber:   l.Number,
		Content:      l.Content,
		Color:        l.Color,
		FontSize:     l.FontSize,
		Highlighted:  l.Highlighted,
		LastEditedBy: l.LastEditedBy,
	}
}

// fullUpdate 整行状态，propagate 时使用
func (l Line) fullUpdate(noteID int64, editor string, ts time.Time) protocol.LineUpdate {
	content, color, size, hl := l.Content, l.Color, l.FontSize, l.Highlighted
	return protocol.LineUpdate{
		LineNumber:     l.Number,
		NoteID:         noteID,
		Content:        &content,
		Color:          &color,
		FontSize:       &size,
		Highlighted:    &hl,
		EditorIdentity: editor,
		Timestamp:      ts,
	}
}

// LineEdit is one change to a single fixed field of a line.
// The set of variants is closed: ContentEdit, ColorEdit, FontSizeEdit, HighlightEdit.
type LineEdit interface {
	apply(*Line)
}

type ContentEdit struct{ Content string }

type ColorEdit struct{ Color string }

type FontSizeEdit struct{ Size int }

type HighlightEdit struct{ Highlighted bool }

func (e ContentEdit) apply(l *Line)   { l.Content = e.Content }
func (e ColorEdit) apply(l *Line)     { l.Color = e.Color }
func (e FontSizeEdit) apply(l *Line)  { l.FontSize = e.Size }
func (e HighlightEdit) apply(l *Line) { l.Highlighted = e.Highlighted }

// ParseFontSize falls back to the default size when s is not a positive integer.
func ParseFontSize(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "px")))
	if err != nil || n <= 0 {
		return entity.DefaultFontSize
	}
	return n
}

// ParseStyleEdit maps a UI style property to its edit variant.
func ParseStyleEdit(property, value string) (LineEdit, error) {
	switch strings.ToLower(property) {
	case "color":
		return ColorEdit{Color: value}, nil
	case "fontsize", "font-size", "font_size":
		return FontSizeEdit{Size: ParseFontSize(value)}, nil
	case "highlighted", "highlight":
		on, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("highlighted: %w", err)
		}
		return HighlightEdit{Highlighted: on}, nil
	}
	return nil, fmt.Errorf("unknown style property %q", property)
}
