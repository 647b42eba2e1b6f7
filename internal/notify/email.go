// Package notify calls the email service for account-lock notifications.
// Delivery is best effort; a failed notification never blocks enforcement.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EmailClient posts notifications to the email microservice.
type EmailClient struct {
	baseURL string
	client  *http.Client
}

// NewEmailClient creates a client for the email service at baseURL.
func NewEmailClient(baseURL string) *EmailClient {
	return &EmailClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type lockNotification struct {
	Recipient string `json:"recipient"`
	Username  string `json:"username"`
	Duration  string `json:"duration"`
}

// SendLockNotification tells the email service that an account was locked
// for the given human-readable duration (e.g. "1 ngày").
func (c *EmailClient) SendLockNotification(ctx context.Context, recipient, username, duration string) error {
	if c.baseURL == "" {
		return fmt.Errorf("notify: email service URL not configured")
	}

	body, err := json.Marshal(lockNotification{
		Recipient: recipient,
		Username:  username,
		Duration:  duration,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	url := c.baseURL + "/send-user-lock-notification"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send lock notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: email service returned status %d", resp.StatusCode)
	}
	return nil
}
