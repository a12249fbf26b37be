// Package gateway is the adapter to the external WhatsApp delivery API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks to a company's configured WhatsApp gateway. One instance is
// built per dispatcher cycle from the company's settings snapshot.
type Client struct {
	httpClient    *http.Client
	serverAddress string
	apiKey        string
	logger        *zap.Logger
}

// Config carries the per-company connection parameters.
type Config struct {
	ServerAddress string
	APIKey        string
	Timeout       time.Duration
}

// NewClient creates a gateway client. A zero Timeout defaults to 30s; a send
// that exceeds it surfaces as a transient failure, never a hang.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		serverAddress: strings.TrimRight(cfg.ServerAddress, "/"),
		apiKey:        cfg.APIKey,
		logger:        logger,
	}
}

type sendRequest struct {
	APIKey   string `json:"api_key"`
	Mobile   string `json:"mobile"`
	Message  string `json:"message,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Type     string `json:"type"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, recipient, content string) error {
	return c.send(ctx, sendRequest{
		APIKey:  c.apiKey,
		Mobile:  recipient,
		Message: content,
		Type:    "text",
	})
}

// SendImage delivers an image with an optional caption.
func (c *Client) SendImage(ctx context.Context, recipient, imageURL, caption string) error {
	return c.send(ctx, sendRequest{
		APIKey:   c.apiKey,
		Mobile:   recipient,
		MediaURL: imageURL,
		Caption:  caption,
		Type:     "image",
	})
}

// SendDocument delivers a document with an optional caption.
func (c *Client) SendDocument(ctx context.Context, recipient, documentURL, caption string) error {
	return c.send(ctx, sendRequest{
		APIKey:   c.apiKey,
		Mobile:   recipient,
		MediaURL: documentURL,
		Caption:  caption,
		Type:     "document",
	})
}

// Ping exercises the gateway with a no-op call, used by the test-connection
// endpoint. Any 2xx means the server is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"api_key": c.apiKey})
	if err != nil {
		return fmt.Errorf("marshal ping: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverAddress+"/api/ping", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, "ping rejected")
	}

	return nil
}

func (c *Client) send(ctx context.Context, payload sendRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverAddress+"/api/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport-level failures (DNS, refused, timeout) are retryable.
		return transient(0, err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, string(respBody))
	}

	var result sendResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		// 2xx with an unreadable body: assume delivered rather than burn a
		// retry on a response parsing quirk.
		c.logger.Warn("gateway returned unparseable success body",
			zap.String("body_preview", string(respBody)),
		)
		return nil
	}

	if !result.Success {
		return classifyVendorError(result)
	}

	return nil
}

// classifyStatus maps HTTP status codes onto the retry taxonomy. 408 and 429
// are retryable despite being 4xx; every other 4xx means the request itself
// is bad and retrying cannot fix it.
func classifyStatus(status int, msg string) *APIError {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return transient(status, msg)
	case status >= 500:
		return transient(status, msg)
	case status >= 400:
		return permanent(status, msg)
	default:
		return transient(status, msg)
	}
}

// classifyVendorError maps the vendor's application-level error codes.
// Unrecognized codes classify transient (fail open toward retry).
func classifyVendorError(resp sendResponse) *APIError {
	msg := resp.Error
	if msg == "" {
		msg = "gateway reported failure"
	}

	switch resp.Code {
	case "invalid_number", "blocked_number", "not_on_whatsapp", "rejected":
		return permanent(0, msg)
	case "rate_limited", "server_busy":
		return transient(0, msg)
	default:
		return transient(0, msg)
	}
}
