// Package client talks to a go-erd server over HTTP and websocket. A
// Client is an auth provider and a document store; a Conn carries the
// live room channels and the change feed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/npezzotti/go-erd/internal/types"
)

type Client struct {
	base string
	http *http.Client
	jar  http.CookieJar
	log  *log.Logger

	mu      sync.Mutex
	user    *types.User
	authFns []func(userID string, ok bool)
}

func New(baseURL string, l *log.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	return &Client{
		base: strings.TrimSuffix(u.String(), "/"),
		http: &http.Client{Jar: jar},
		jar:  jar,
		log:  l,
	}, nil
}

func (c *Client) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		apiErr := &APIError{}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		apiErr.StatusCode = resp.StatusCode
		return nil, apiErr
	}
	return resp, nil
}

// do sends a JSON request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, username, email, password string) (types.User, error) {
	var u types.User
	err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &u)
	return u, err
}

// Login starts a session. The session cookie is kept for later requests
// and the websocket.
func (c *Client) Login(ctx context.Context, email, password string) (types.User, error) {
	var u types.User
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &u)
	if err != nil {
		return types.User{}, err
	}

	c.setUser(&u)
	return u, nil
}

// Session restores the signed in user from the session cookie.
func (c *Client) Session(ctx context.Context) (types.User, error) {
	var u types.User
	if err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, &u); err != nil {
		return types.User{}, err
	}

	c.setUser(&u)
	return u, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/api/auth/logout", nil, nil); err != nil {
		return err
	}

	c.setUser(nil)
	return nil
}

// CurrentUserID returns the signed in user's id.
func (c *Client) CurrentUserID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return "", false
	}
	return strconv.Itoa(c.user.Id), true
}

func (c *Client) OnAuthChange(fn func(userID string, ok bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFns = append(c.authFns, fn)
}

func (c *Client) setUser(u *types.User) {
	c.mu.Lock()
	prev := c.user
	c.user = u
	fns := append([]func(string, bool){}, c.authFns...)
	c.mu.Unlock()

	if prev != nil && u != nil && prev.Id == u.Id {
		return
	}

	id, ok := "", u != nil
	if ok {
		id = strconv.Itoa(u.Id)
	}
	for _, fn := range fns {
		fn(id, ok)
	}
}

func (c *Client) CreateRoom(ctx context.Context, name, description string, public bool) (types.Room, error) {
	var r types.Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", map[string]any{
		"name":        name,
		"description": description,
		"is_public":   public,
	}, &r)
	return r, err
}

func (c *Client) ListRooms(ctx context.Context) ([]types.Room, error) {
	var rooms []types.Room
	err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms)
	return rooms, err
}

// JoinRoom makes the user a participant and returns the room with the
// user's role.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (types.Room, error) {
	var r types.Room
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "/join"), nil, &r)
	return r, err
}

func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, roomPath(roomID, ""), nil, nil)
}

// Export downloads the stored diagram rendered in format.
func (c *Client) Export(ctx context.Context, roomID, format string) ([]byte, error) {
	resp, err := c.request(ctx, http.MethodGet, roomPath(roomID, "/export")+"?format="+url.QueryEscape(format), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func roomPath(roomID, suffix string) string {
	return "/api/rooms/" + url.PathEscape(roomID) + suffix
}
