// Package upstream talks to the language model service and the messaging
// gateway over HTTP.
package upstream

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eldtechnologies/kalenda/internal/crypto"
)

// DefaultTimeout bounds one upstream call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// Client sends JSON requests, optionally signing them with Ed25519.
type Client struct {
	httpClient *http.Client
	signingKey ed25519.PrivateKey
}

// NewClient creates a client. signingKey may be nil to send unsigned
// requests. A non-positive timeout uses DefaultTimeout.
func NewClient(timeout time.Duration, signingKey ed25519.PrivateKey) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		signingKey: signingKey,
	}
}

// postJSON encodes in, posts it to url and decodes the response into out
// when out is non-nil.
func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signingKey != nil {
		crypto.SignRequest(req.Header, c.signingKey, body)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return &StatusError{Code: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
