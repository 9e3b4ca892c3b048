package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"syncflow/backend/internal/authservice"
	"syncflow/backend/internal/cache"
	"syncflow/backend/internal/collab"
	"syncflow/backend/internal/httpapi/handlers"
	"syncflow/backend/internal/httpapi/middleware"
	"syncflow/backend/internal/ws"
)

type Deps struct {
	// Auth 为 nil 时不在本进程提供 /v1/auth（使用独立 auth 服务）
	Auth     *authservice.Handler
	Verifier middleware.TokenVerifier
	Service  collab.Service
	// 为 nil 时不挂 /whiteboard/ws
	WS       *ws.Manager
	// 为 nil 时不提供 /note/:id/presence
	Presence cache.PresenceCache
	Version  string
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	if d.Auth != nil {
		d.Auth.Mount(r.Group("/v1/auth"))
	}

	authed := middleware.AuthMiddleware(d.Verifier)

	note := r.Group("/note")
	note.Use(authed)
	handlers.NewNotesHandler(d.Service).Mount(note)
	if d.Presence != nil {
		handlers.NewPresenceHandler(d.Presence).Mount(note)
	}

	if d.WS != nil {
		whiteboard := r.Group("/whiteboard")
		// 会从 Authorization 或 ?token= 提取 token，并写入 userId/username
		whiteboard.Use(authed)
		whiteboard.GET("/ws", d.WS.WebSocketConnect)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "version": d.Version})
	})
	return r
}
