// Package gateway delivers alerts by posting them to per-channel HTTP
// gateways (an SMS aggregator, mail relay, push service or plain webhook).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/dispatch"
)

// Channel implements dispatch.Channel for one named channel.
type Channel struct {
	name       string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewChannel creates a gateway-backed channel. The dispatcher bounds each
// send with its own timeout; timeout here only caps the transport.
func NewChannel(name, url string, timeout time.Duration, logger *slog.Logger) *Channel {
	return &Channel{
		name: name,
		url:  url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (c *Channel) Name() string { return c.name }

type payload struct {
	Channel      string           `json:"channel"`
	SubscriberID string           `json:"subscriber_id"`
	Message      dispatch.Message `json:"message"`
}

// Send posts the message. Any non-2xx response is a failed attempt. The
// task ID travels as an idempotency key because retries may redeliver.
func (c *Channel) Send(ctx context.Context, subscriberID string, msg dispatch.Message) error {
	body, err := json.Marshal(payload{Channel: c.name, SubscriberID: subscriberID, Message: msg})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.TaskID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s gateway request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s gateway error: status %d: %s", c.name, resp.StatusCode, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("alert delivered", "channel", c.name, "subscriber_id", subscriberID, "task_id", msg.TaskID)
	return nil
}
