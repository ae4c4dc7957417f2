package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.cartesia.ai"
	DefaultVersion = "2025-04-16"

	defaultConnectTimeout = 20 * time.Second
	defaultReadTimeout    = 60 * time.Second
	maxErrorBody          = 4 << 10
)

var ErrNotConfigured = errors.New("call-data provider api key not configured")

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
}

// NotFound reports whether err is a provider 404.
func NotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

type Config struct {
	BaseURL        string
	APIKey         string
	Version        string
	AgentID        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Client reads historical calls and recordings from the Cartesia agents API.
// Responses are passed through untouched.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	// no overall client timeout: audio bodies are streamed for as long as they last
	return &Client{cfg: cfg, http: &http.Client{Transport: transport}}
}

func (c *Client) Configured() bool { return c.cfg.APIKey != "" }

type ListOptions struct {
	AgentID          string
	Limit            int
	ExpandTranscript bool
}

// ListCalls returns the provider's call list document.
func (c *Client) ListCalls(ctx context.Context, opts ListOptions) (json.RawMessage, error) {
	q := url.Values{}
	agent := opts.AgentID
	if agent == "" {
		agent = c.cfg.AgentID
	}
	if agent != "" {
		q.Set("agent_id", agent)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.ExpandTranscript {
		q.Set("expand", "transcript")
	}
	return c.getJSON(ctx, "/agents/calls", q)
}

// GetCall returns one call document including its transcript.
func (c *Client) GetCall(ctx context.Context, callID string) (json.RawMessage, error) {
	return c.getJSON(ctx, "/agents/calls/"+url.PathEscape(callID), nil)
}

// StreamAudio opens the call recording. The caller must close the body.
func (c *Client) StreamAudio(ctx context.Context, callID string) (io.ReadCloser, string, error) {
	resp, err := c.do(ctx, "/agents/calls/"+url.PathEscape(callID)+"/audio", nil)
	if err != nil {
		return nil, "", err
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/wav"
	}
	return resp.Body, ct, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("provider returned invalid json for %s", path)
	}
	return json.RawMessage(body), nil
}

func (c *Client) do(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Cartesia-Version", c.cfg.Version)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}
