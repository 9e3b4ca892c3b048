package authservice

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"syncflow/backend/internal/store"
)

func newTestRouter(t *testing.T) (*gin.Engine, *TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tokens := NewTokenIssuer("test-secret")
	r := gin.New()
	NewHandler(store.NewMemoryStore(), tokens).Mount(r.Group("/v1/auth"))
	return r, tokens
}

func doJSON(r http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_RegisterLoginVerify(t *testing.T) {
	r, tokens := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/auth/register", gin.H{"username": "alice", "password": "pw"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body)
	}
	w = doJSON(r, http.MethodPost, "/v1/auth/register", gin.H{"username": "alice", "password": "pw"}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/v1/auth/login", gin.H{"username": "alice", "password": "bad"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/v1/auth/login", gin.H{"username": "alice", "password": "pw"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body)
	}
	var resp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	claims, err := tokens.ParseAccessToken(resp.AccessToken)
	if err != nil || claims.Username != "alice" {
		t.Fatalf("ParseAccessToken() = %+v, %v", claims, err)
	}

	w = doJSON(r, http.MethodPost, "/v1/auth/verify", gin.H{}, http.Header{"Authorization": {"Bearer " + resp.AccessToken}})
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d", w.Code)
	}
	var verified struct {
		Username string `json:"username"`
		Typ      string `json:"typ"`
	}
	json.Unmarshal(w.Body.Bytes(), &verified)
	if verified.Username != "alice" || verified.Typ != TokenTypeAccess {
		t.Fatalf("verify body = %s", w.Body)
	}

	w = doJSON(r, http.MethodPost, "/v1/auth/refresh", gin.H{"refreshToken": resp.AccessToken}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh with access token status = %d, want 401", w.Code)
	}
	w = doJSON(r, http.MethodPost, "/v1/auth/refresh", gin.H{"refreshToken": resp.RefreshToken}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", w.Code)
	}
}

func TestAuth_VerifyRejectsMissingHeader(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(r, http.MethodPost, "/v1/auth/verify", gin.H{}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestTokenIssuer_RejectsForeignSecretAndExpired(t *testing.T) {
	a := NewTokenIssuer("a")
	b := NewTokenIssuer("b")

	tok, _, err := a.SignAccessToken(1, "alice", time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken() error = %v", err)
	}
	if _, err := b.ParseToken(tok); err == nil {
		t.Fatal("ParseToken() with other secret succeeded")
	}

	expired, _, _ := a.SignAccessToken(1, "alice", -time.Minute)
	if _, err := a.ParseToken(expired); err == nil {
		t.Fatal("ParseToken() accepted expired token")
	}

	refresh, _, _ := a.SignRefreshToken(1, "alice", time.Minute)
	if _, err := a.ParseAccessToken(refresh); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("ParseAccessToken(refresh) error = %v, want ErrWrongTokenType", err)
	}
}
