package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"syncflow/backend/internal/collab"
	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

type NotesHandler struct {
	svc collab.Service
}

func NewNotesHandler(svc collab.Service) *NotesHandler {
	return &NotesHandler{svc: svc}
}

type createNoteReq struct {
	Title string `json:"title"`
}

// saveLineReq 行的完整状态；缺省样式在 store 层补齐
type saveLineReq struct {
	Content     string `json:"content"`
	Color       string `json:"color"`
	FontSize    int    `json:"fontSize"`
	Highlighted bool   `json:"highlighted"`
}

// Mount 挂到已鉴权的 /note 路由组
func (h *NotesHandler) Mount(g *gin.RouterGroup) {
	g.GET("/info", h.ListNotes)
	g.POST("", h.CreateNote)
	g.GET("/:id/lines", h.ListLines)
	g.POST("/:id/create-lines", h.CreateDefaultLines)
	g.PUT("/:id/lines/:lineNumber", h.SaveLine)
}

func (h *NotesHandler) ListNotes(c *gin.Context) {
	start, limit := pageParams(c)
	notes, err := h.svc.ListNotes(c.Request.Context(), start, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

func (h *NotesHandler) CreateNote(c *gin.Context) {
	var req createNoteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	note, err := h.svc.CreateNote(c.Request.Context(), c.GetUint64("userId"), req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *NotesHandler) ListLines(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	start, limit := pageParams(c)
	lines, err := h.svc.ListLines(c.Request.Context(), noteID, start, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lines)
}

func (h *NotesHandler) CreateDefaultLines(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	lines, err := h.svc.SeedDefaultLines(c.Request.Context(), noteID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lines)
}

func (h *NotesHandler) SaveLine(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	lineNumber, err := strconv.Atoi(c.Param("lineNumber"))
	if err != nil || lineNumber <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid line number"})
		return
	}
	var req saveLineReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	line := entity.NoteLine{
		NoteID:      noteID,
		LineNumber:  lineNumber,
		Content:     req.Content,
		Color:       req.Color,
		FontSize:    req.FontSize,
		Highlighted: req.Highlighted,
	}
	if err := h.svc.SaveLine(c.Request.Context(), line, c.GetString("username")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *NotesHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "note not found"})
	case errors.Is(err, collab.ErrEmptyTitle), errors.Is(err, collab.ErrInvalidLine):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("notes handler error (%s %s): %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func noteIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid note id"})
		return 0, false
	}
	return id, true
}

func pageParams(c *gin.Context) (int, int) {
	start, _ := strconv.Atoi(c.DefaultQuery("start", "0"))
	if start < 0 {
		start = 0
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return start, limit
}
