package entity

import "time"

const (
	DefaultColor    = "#000000"
	DefaultFontSize = 14
)

// Note 文档摘要，lineCount 由行表统计
type Note struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	OwnerID   uint64    `gorm:"index" json:"ownerId"`
	LineCount int       `gorm:"-" json:"lineCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NoteLine 文档中的一行，(note_id, line_number) 唯一
type NoteLine struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	NoteID       int64     `gorm:"not null;uniqueIndex:idx_note_line" json:"noteId"`
	LineNumber   int       `gorm:"not null;uniqueIndex:idx_note_line" json:"lineNumber"`
	Content      string    `gorm:"type:text" json:"content"`
	Color        string    `gorm:"type:varchar(32);default:'#000000'" json:"color"`
	FontSize     int       `gorm:"default:14" json:"fontSize"`
	Highlighted  bool      `gorm:"default:false" json:"highlighted"`
	LastEditedBy string    `gorm:"type:varchar(64)" json:"lastEditedBy,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (NoteLine) TableName() string {
	return "note_lines"
}

// Normalize 补齐缺省样式（旧数据或手工插入的行可能为空）
func (l *NoteLine) Normalize() {
	if l.Color == "" {
		l.Color = DefaultColor
	}
	if l.FontSize <= 0 {
		l.FontSize = DefaultFontSize
	}
}

type User struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	PasswordHash []byte    `gorm:"type:varbinary(255);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
