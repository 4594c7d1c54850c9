// Package client is a typed HTTP client for the epithetd API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:7777/api"

// Client provides HTTP client functionality to communicate with the epithetd daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 15 * time.Second}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var out []Broker
	if err := c.do(ctx, http.MethodGet, "/brokers", nil, &out); err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) List(ctx context.Context) ([]Broker, error) {
	var out []Broker
	return out, c.do(ctx, http.MethodGet, "/brokers", nil, &out)
}

func (c *Client) Get(ctx context.Context, name string) (Broker, error) {
	var out Broker
	return out, c.do(ctx, http.MethodGet, brokerPath(name), nil, &out)
}

// Add stores a new broker config. An empty name is replaced by a generated one.
func (c *Client) Add(ctx context.Context, cfg BrokerConfig) (BrokerConfig, error) {
	var out BrokerConfig
	return out, c.do(ctx, http.MethodPost, "/brokers", cfg, &out)
}

// Update replaces the config of name. Setting cfg.Name to a different value
// renames the broker.
func (c *Client) Update(ctx context.Context, name string, cfg BrokerConfig) (BrokerConfig, error) {
	var out BrokerConfig
	return out, c.do(ctx, http.MethodPut, brokerPath(name), cfg, &out)
}

// Rename changes only the name of a broker.
func (c *Client) Rename(ctx context.Context, oldName, newName string) error {
	return c.do(ctx, http.MethodPut, brokerPath(oldName), map[string]string{"name": newName}, nil)
}

func (c *Client) Remove(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, brokerPath(name), nil, nil)
}

func (c *Client) Start(ctx context.Context, name string) (Broker, error) {
	return c.action(ctx, name, "start")
}

func (c *Client) Stop(ctx context.Context, name string) (Broker, error) {
	return c.action(ctx, name, "stop")
}

func (c *Client) Toggle(ctx context.Context, name string) (Broker, error) {
	return c.action(ctx, name, "toggle")
}

func (c *Client) action(ctx context.Context, name, verb string) (Broker, error) {
	c.logger.Debug("Broker action", "name", name, "action", verb)
	var out Broker
	return out, c.do(ctx, http.MethodPost, brokerPath(name)+"/"+verb, nil, &out)
}

func (c *Client) Logs(ctx context.Context, name string) (string, error) {
	var out logsResponse
	err := c.do(ctx, http.MethodGet, brokerPath(name)+"/logs", nil, &out)
	return out.Log, err
}

func (c *Client) ClearLogs(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, brokerPath(name)+"/logs", nil, nil)
}

// Inspect returns the agent's inspect output for a running broker.
func (c *Client) Inspect(ctx context.Context, name string) (string, error) {
	var out inspectResponse
	err := c.do(ctx, http.MethodGet, brokerPath(name)+"/inspect", nil, &out)
	return out.Output, err
}

func (c *Client) Stats(ctx context.Context, name string) (Stats, error) {
	var out Stats
	return out, c.do(ctx, http.MethodGet, brokerPath(name)+"/stats", nil, &out)
}

func brokerPath(name string) string { return "/brokers/" + url.PathEscape(name) }

// do sends body as JSON, if any, and decodes a 2xx answer into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}
