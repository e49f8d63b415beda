// Package kalenda provides a client for the kalenda HTTP API.
package kalenda

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a kalenda API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// OperatorKey signs every request. Session, draft and chat routes
	// refuse unsigned requests.
	OperatorKey ed25519.PrivateKey
}

// NewClient creates a new client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kalenda error %d: %s", e.Status, e.Message)
}

// SetOperatorKey sets OperatorKey from a base64 Ed25519 seed or private key.
func (c *Client) SetOperatorKey(keyB64 string) error {
	decoded, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return fmt.Errorf("operator key: invalid base64: %w", err)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		c.OperatorKey = ed25519.NewKeyFromSeed(decoded)
	case ed25519.PrivateKeySize:
		c.OperatorKey = ed25519.PrivateKey(decoded)
	default:
		return fmt.Errorf("operator key: must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(decoded))
	}
	return nil
}

// signRequest sets the X-Kalenda-* signature headers for body.
func (c *Client) signRequest(h http.Header, body []byte) {
	hash := sha256.Sum256(body)

	nonceBytes := make([]byte, 12) // 24 hex chars
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := fmt.Sprintf("%s|%s|%s", hex.EncodeToString(hash[:]), nonce, timestamp)
	sig := ed25519.Sign(c.OperatorKey, []byte(payload))

	h.Set("X-Kalenda-Timestamp", timestamp)
	h.Set("X-Kalenda-Nonce", nonce)
	h.Set("X-Kalenda-Signature", base64.StdEncoding.EncodeToString(sig))
}

// doRequest performs an HTTP request and decodes the JSON response into out
// when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out any) error {
	var data []byte
	if in != nil {
		var err error
		if data, err = json.Marshal(in); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.OperatorKey != nil {
		c.signRequest(req.Header, data)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		if out != nil {
			// Some endpoints, like /health, describe the failure in the body.
			json.Unmarshal(respBody, out)
		}
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Checks  map[string]struct {
		Status  string `json:"status"`
		Latency string `json:"latency,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"checks"`
}

// Health checks server health. A degraded server answers 503 with a body;
// the body is returned alongside the error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp)
	return &resp, err
}

// StatsResponse is the response from the stats endpoint.
type StatsResponse struct {
	TotalInteractions int64  `json:"total_interactions"`
	LastActivity      string `json:"last_activity"`
	BufferingUsers    int    `json:"buffering_users"`
	QueueDepth        int64  `json:"queue_depth"`
}

// Stats returns service statistics.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message is an inbound user message.
type Message struct {
	UserKey  string `json:"user_key"`
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
	VoiceRef string `json:"voice_ref,omitempty"`
}

// InboundResponse is the response from posting a message.
type InboundResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

// Send posts an inbound message.
func (c *Client) Send(ctx context.Context, msg Message) (*InboundResponse, error) {
	var resp InboundResponse
	if err := c.doRequest(ctx, http.MethodPost, "/inbound", msg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Exchange is one stored user/assistant turn.
type Exchange struct {
	UserMessage      string    `json:"userMessage"`
	AssistantMessage string    `json:"aiMessage"`
	Timestamp        time.Time `json:"timestamp"`
}

// Session is a user's recent exchanges and current draft.
type Session struct {
	Exchanges []Exchange     `json:"exchanges"`
	Draft     map[string]any `json:"draft"`
}

func userPath(userKey, suffix string) string {
	return "/users/" + url.PathEscape(userKey) + suffix
}

// Session returns the stored session for a user.
func (c *Client) Session(ctx context.Context, userKey string) (*Session, error) {
	var resp Session
	if err := c.doRequest(ctx, http.MethodGet, userPath(userKey, "/session"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutDraft replaces a user's draft and returns it as stored.
func (c *Client) PutDraft(ctx context.Context, userKey string, draft map[string]any) (map[string]any, error) {
	var resp map[string]any
	if err := c.doRequest(ctx, http.MethodPut, userPath(userKey, "/draft"), draft, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteDraft discards a user's draft.
func (c *Client) DeleteDraft(ctx context.Context, userKey string) error {
	return c.doRequest(ctx, http.MethodDelete, userPath(userKey, "/draft"), nil, nil)
}

// ClearChats deletes every user's history and returns how many were removed.
func (c *Client) ClearChats(ctx context.Context) (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.doRequest(ctx, http.MethodDelete, "/chats", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}
