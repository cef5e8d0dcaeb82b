// Package notify posts short ntfy notifications about listener activity.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTitle = "tabsink"

// Notifier posts messages to one ntfy topic URL. A nil Notifier or one
// with an empty endpoint does nothing.
type Notifier struct {
	client   *http.Client
	endpoint string
	title    string
}

// New returns a Notifier for endpoint. An empty endpoint disables it.
func New(endpoint string, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Notifier{client: client, endpoint: strings.TrimSpace(endpoint), title: defaultTitle}
}

// Enabled reports whether messages will actually be sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.endpoint != ""
}

// Notify sends message in the background. Failures are logged at debug.
func (n *Notifier) Notify(message string) {
	if !n.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.send(ctx, message); err != nil {
			slog.Debug("ntfy notification failed", "error", err)
		}
	}()
}

func (n *Notifier) send(ctx context.Context, message string) error {
	return send(ctx, n.client, n.endpoint, n.title, message)
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	return send(ctx, client, endpoint, "", message)
}

func send(ctx context.Context, client *http.Client, endpoint, title, message string) error {
	if endpoint == "" {
		return errors.New("ntfy endpoint is empty")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
