package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"syncflow/backend/internal/authservice"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrUpstreamAuth    = errors.New("auth upstream error")
	ErrAccessTokenOnly = errors.New("access token required")
)

const verifyUpstreamLimit = 1200 * time.Millisecond

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"typ"`
}

// TokenVerifier 把 bearer token 换成身份
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*VerifyClaims, error)
}

// JWTVerifier 本地校验，与签发方共享 auth.secret
type JWTVerifier struct {
	Tokens *authservice.TokenIssuer
}

func (v JWTVerifier) Verify(_ context.Context, token string) (*VerifyClaims, error) {
	claims, err := v.Tokens.ParseToken(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &VerifyClaims{UserID: claims.UserID, Username: claims.Username, Type: claims.Type}, nil
}

type verifyErrResp struct {
	Error string `json:"error"`
}

// RemoteVerifier 调用独立部署的 auth 服务 /v1/auth/verify
type RemoteVerifier struct {
	client    *http.Client
	verifyURL string
}

// authBaseURL 不要带路径，例如 http://localhost:3001
func NewRemoteVerifier(authBaseURL string) *RemoteVerifier {
	return &RemoteVerifier{
		client:    &http.Client{},
		verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*VerifyClaims, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyUpstreamLimit)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// 包含超时：context deadline exceeded
		return nil, errors.Join(ErrUpstreamAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			log.Printf("auth verify rejected: %s", e.Error)
		}
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrUpstreamAuth
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, errors.Join(ErrUpstreamAuth, err)
	}
	return &claims, nil
}

func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), tokenString)
		if err != nil {
			if errors.Is(err, ErrUpstreamAuth) {
				log.Printf("auth verify upstream error: %v", err)
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
					"code":    "AUTH_UPSTREAM_ERROR",
					"message": "auth verify failed",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": err.Error(),
			})
			return
		}

		if claims.Type != "" && claims.Type != authservice.TokenTypeAccess {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": ErrAccessTokenOnly.Error(),
			})
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// "Bearer" 前缀大小写不敏感
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
