package noteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"syncflow/backend/internal/entity"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// StatusError is any non-2xx answer not covered by a sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collaborator: status %d: %s", e.Code, e.Message)
}

const (
	defaultTimeout = 10 * time.Second
	// 服务端单页上限
	linesPageSize = 500
)

// Client talks to the collaborator REST endpoints.
type Client struct {
	base  string
	http  *http.Client
	token string
}

func New(baseURL string, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		http:  &http.Client{Timeout: defaultTimeout},
		token: token,
	}
}

func (c *Client) Token() string { return c.token }

func (c *Client) SetToken(token string) { c.token = token }

type LoginResult struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	User         struct {
		ID       uint64 `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// Login exchanges credentials for tokens and keeps the access token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var out LoginResult
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", body, &out); err != nil {
		return nil, err
	}
	c.token = out.AccessToken
	return &out, nil
}

// Register 用户名已存在时返回 409 对应的 StatusError
func (c *Client) Register(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return c.do(ctx, http.MethodPost, "/v1/auth/register", body, nil)
}

func (c *Client) ListNotes(ctx context.Context, start, limit int) ([]entity.Note, error) {
	var out []entity.Note
	path := "/note/info?start=" + strconv.Itoa(start) + "&limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateNote(ctx context.Context, title string) (*entity.Note, error) {
	var out entity.Note
	if err := c.do(ctx, http.MethodPost, "/note", map[string]string{"title": title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLines returns every line of the note ordered by line number,
// paging through the server until a short page comes back.
func (c *Client) ListLines(ctx context.Context, noteID int64) ([]entity.NoteLine, error) {
	var out []entity.NoteLine
	for {
		var page []entity.NoteLine
		path := fmt.Sprintf("/note/%d/lines?start=%d&limit=%d", noteID, len(out), linesPageSize)
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < linesPageSize {
			return out, nil
		}
	}
}

func (c *Client) CreateDefaultLines(ctx context.Context, noteID int64) ([]entity.NoteLine, error) {
	var out []entity.NoteLine
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/note/%d/create-lines", noteID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type saveLineBody struct {
	Content     string `json:"content"`
	Color       string `json:"color"`
	FontSize    int    `json:"fontSize"`
	Highlighted bool   `json:"highlighted"`
}

func (c *Client) SaveLine(ctx context.Context, noteID int64, line entity.NoteLine) error {
	body := saveLineBody{
		Content:     line.Content,
		Color:       line.Color,
		FontSize:    line.FontSize,
		Highlighted: line.Highlighted,
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/note/%d/lines/%d", noteID, line.LineNumber), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	_ = json.Unmarshal(raw, &payload)
	msg := payload.Error
	if msg == "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
