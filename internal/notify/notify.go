// Package notify delivers outbound SMS. Delivery is best-effort: callers log
// and count failures but never roll back business state because of them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var ErrNoRecipient = errors.New("sms recipient is empty")

type Notifier interface {
	Send(ctx context.Context, to string, message string) error
}

// LogNotifier writes messages to the log instead of a gateway.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Send(_ context.Context, to string, message string) error {
	if to == "" {
		return ErrNoRecipient
	}
	if n.Log != nil {
		n.Log.Info("sms", zap.String("to", to), zap.String("message", message))
	}
	return nil
}

type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (n *WebhookNotifier) Send(ctx context.Context, to string, message string) error {
	if to == "" {
		return ErrNoRecipient
	}
	body, err := json.Marshal(webhookPayload{To: to, Message: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}
