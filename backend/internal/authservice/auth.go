package authservice

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"syncflow/backend/internal/entity"
	"syncflow/backend/internal/store"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

type UserRepository interface {
	CreateUser(ctx context.Context, username string, passwordHash []byte) (uint64, error)
	GetByUsername(ctx context.Context, username string) (*entity.User, error)
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type registerReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RefreshReq struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type Handler struct {
	users  UserRepository
	tokens *TokenIssuer
}

func NewHandler(users UserRepository, tokens *TokenIssuer) *Handler {
	return &Handler{users: users, tokens: tokens}
}

// Authenticate 校验用户名密码，供 HTTP 登录与测试复用
func (h *Handler) Authenticate(ctx context.Context, username, password string) (*entity.User, error) {
	u, err := h.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "details": err.Error()})
		return
	}

	u, err := h.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		log.Printf("login lookup failed (user=%s): %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get user failed"})
		return
	}

	accessToken, _, err := h.tokens.SignAccessToken(u.ID, u.Username, AccessTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign access token failed"})
		return
	}
	refreshToken, _, err := h.tokens.SignRefreshToken(u.ID, u.Username, RefreshTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign refresh token failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accessToken":  accessToken,
		"refreshToken": refreshToken,
		"expiresIn":    int(AccessTokenTTL.Seconds()),
		"tokenType":    "Bearer",
		"user": gin.H{
			"id":       u.ID,
			"username": u.Username,
		},
	})
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}
	userID, err := h.users.CreateUser(c.Request.Context(), username, passwordHash)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userID": userID})
}

// Refresh 校验 typ == "refresh" 后重新签发 access token
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "details": err.Error()})
		return
	}

	claims, err := h.tokens.ParseToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refreshToken"})
		return
	}
	if claims.Type != TokenTypeRefresh {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refreshToken type mismatch"})
		return
	}

	accessToken, _, err := h.tokens.SignAccessToken(claims.UserID, claims.Username, AccessTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign access token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken": accessToken,
		"expiresIn":   int(AccessTokenTTL.Seconds()),
		"tokenType":   "Bearer",
		"user":        gin.H{"username": claims.Username},
	})
}

// Verify 成功返回 200 + claims；失败 401 + error
func (h *Handler) Verify(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
		return
	}

	claims, err := h.tokens.ParseToken(strings.TrimSpace(parts[1]))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":   claims.UserID,
		"username": claims.Username,
		"typ":      claims.Type,
		"exp":      claims.ExpiresAt,
	})
}

// Mount 把路由挂到 /v1/auth
func (h *Handler) Mount(g *gin.RouterGroup) {
	g.POST("/login", h.Login)
	g.POST("/register", h.Register)
	g.POST("/verify", h.Verify)
	g.POST("/refresh", h.Refresh)
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "OK"})
	})
}
