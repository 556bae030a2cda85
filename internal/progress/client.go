package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/treefix50/watchguard/internal/telemetry"
)

const DefaultTimeout = 5 * time.Second

// Session is what /auth/login and /auth/session return.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client talks to the progress service over HTTP. It implements
// playback.ProgressStore.
type Client struct {
	baseURL string
	http    *http.Client
	tel     *telemetry.Manager

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithClientTelemetry(m *telemetry.Manager) ClientOption {
	return func(c *Client) { c.tel = m }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SaveProgress posts timeStamp for videoID.
func (c *Client) SaveProgress(ctx context.Context, videoID string, timeStamp float64) (err error) {
	ctx, span := c.tel.StartSpan(ctx, "progress.save", trace.WithAttributes(telemetry.VideoAttr(videoID)))
	defer func() { telemetry.EndSpan(span, err) }()

	var ack struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/video/updateVideo", Update{VideoID: videoID, TimeStamp: timeStamp}, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("progress: update for %s not acknowledged", videoID)
	}
	return nil
}

// LoadProgress returns the saved position for videoID, 0 when there is none.
func (c *Client) LoadProgress(ctx context.Context, videoID string) (float64, error) {
	entry, err := c.Progress(ctx, videoID)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return 0, nil
		}
		return 0, err
	}
	return entry.TimeStamp, nil
}

// Progress fetches the saved entry for videoID.
func (c *Client) Progress(ctx context.Context, videoID string) (entry Entry, err error) {
	ctx, span := c.tel.StartSpan(ctx, "progress.load", trace.WithAttributes(telemetry.VideoAttr(videoID)))
	defer func() { telemetry.EndSpan(span, err) }()

	err = c.do(ctx, http.MethodGet, "/api/video/progress/"+url.PathEscape(videoID), nil, &entry)
	return entry, err
}

// Videos lists the catalog with saved positions merged in.
func (c *Client) Videos(ctx context.Context) (videos []VideoSummary, err error) {
	ctx, span := c.tel.StartSpan(ctx, "progress.videos")
	defer func() { telemetry.EndSpan(span, err) }()

	err = c.do(ctx, http.MethodGet, "/api/video/getAllVideos", nil, &videos)
	return videos, err
}

// Login authenticates and keeps the token for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	payload := map[string]string{"username": username, "password": password}
	var session Session
	if err := c.do(ctx, http.MethodPost, "/auth/login", payload, &session); err != nil {
		return nil, err
	}
	c.setToken(session.Token)
	return &session, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
		return err
	}
	c.setToken("")
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("progress: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("progress: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("progress: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeStatusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("progress: decode %s: %w", path, err)
	}
	return nil
}

func decodeStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
