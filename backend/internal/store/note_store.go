package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/protocol"
)

type NoteStore struct{ db *gorm.DB }

func NewNoteStore(db *gorm.DB) *NoteStore {
	return &NoteStore{db: db}
}

func (s *NoteStore) ListNotes(ctx context.Context, start, limit int) ([]entity.Note, error) {
	var notes []entity.Note
	q := s.db.WithContext(ctx).Order("id DESC").Offset(start)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&notes).Error; err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return notes, nil
	}

	ids := make([]int64, len(notes))
	for i, n := range notes {
		ids[i] = n.ID
	}
	var rows []struct {
		NoteID int64
		N      int
	}
	err := s.db.WithContext(ctx).Model(&entity.NoteLine{}).
		Select("note_id, count(*) AS n").
		Where("note_id IN ?", ids).
		Group("note_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int, len(rows))
	for _, r := range rows {
		counts[r.NoteID] = r.N
	}
	for i := range notes {
		notes[i].LineCount = counts[notes[i].ID]
	}
	return notes, nil
}

func (s *NoteStore) GetNote(ctx context.Context, noteID int64) (*entity.Note, error) {
	var note entity.Note
	err := s.db.WithContext(ctx).First(&note, noteID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoteNotFound
		}
		return nil, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&entity.NoteLine{}).Where("note_id = ?", noteID).Count(&n).Error; err != nil {
		return nil, err
	}
	note.LineCount = int(n)
	return &note, nil
}

func (s *NoteStore) CreateNote(ctx context.Context, ownerID uint64, title string) (*entity.Note, error) {
	note := entity.Note{Title: title, OwnerID: ownerID}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		return nil, err
	}
	return &note, nil
}

func (s *NoteStore) ListLines(ctx context.Context, noteID int64, start, limit int) ([]entity.NoteLine, error) {
	var lines []entity.NoteLine
	q := s.db.WithContext(ctx).Where("note_id = ?", noteID).Order("line_number ASC").Offset(start)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&lines).Error; err != nil {
		return nil, err
	}
	for i := range lines {
		lines[i].Normalize()
	}
	return lines, nil
}

// CreateLines 批量插入；唯一索引冲突说明别的实例已经写过同样的行号
func (s *NoteStore) CreateLines(ctx context.Context, noteID int64, lines []entity.NoteLine) ([]entity.NoteLine, error) {
	for i := range lines {
		lines[i].NoteID = noteID
		lines[i].Normalize()
	}
	err := s.db.WithContext(ctx).Create(&lines).Error
	if err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("create lines for note %d: %w", noteID, ErrDuplicateLine)
		}
		return nil, err
	}
	return lines, nil
}

// ApplyLineUpdate 只写入载荷里出现的字段；行不存在时按默认样式补一行
func (s *NoteStore) ApplyLineUpdate(ctx context.Context, noteID int64, upd protocol.LineUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var line entity.NoteLine
		err := tx.Where("note_id = ? AND line_number = ?", noteID, upd.LineNumber).First(&line).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			line = entity.NoteLine{NoteID: noteID, LineNumber: upd.LineNumber}
			line.Normalize()
			PatchLine(&line, upd)
			return tx.Create(&line).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]any{}
		if upd.Content != nil {
			updates["content"] = *upd.Content
		}
		if upd.Color != nil {
			updates["color"] = *upd.Color
		}
		if upd.FontSize != nil {
			updates["font_size"] = *upd.FontSize
		}
		if upd.Highlighted != nil {
			updates["highlighted"] = *upd.Highlighted
		}
		if upd.EditorIdentity != "" {
			updates["last_edited_by"] = upd.EditorIdentity
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&line).Updates(updates).Error
	})
}

func (s *NoteStore) SaveLine(ctx context.Context, line entity.NoteLine) error {
	line.ID = 0
	line.Normalize()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "note_id"}, {Name: "line_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "color", "font_size", "highlighted", "last_edited_by", "updated_at"}),
	}).Create(&line).Error
}

// PatchLine 把更新里出现的字段合并进 line
func PatchLine(line *entity.NoteLine, upd protocol.LineUpdate) {
	if upd.Content != nil {
		line.Content = *upd.Content
	}
	if upd.Color != nil {
		line.Color = *upd.Color
	}
	if upd.FontSize != nil {
		line.FontSize = *upd.FontSize
	}
	if upd.Highlighted != nil {
		line.Highlighted = *upd.Highlighted
	}
	if upd.EditorIdentity != "" {
		line.LastEditedBy = upd.EditorIdentity
	}
}
