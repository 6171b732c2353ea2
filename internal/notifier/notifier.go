// Package notifier delivers fire-and-forget webhooks for pipeline events.
// Transport errors are swallowed: notifications must never abort the
// pipeline.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/specq-dev/specq/internal/model"
)

// Notifier posts event payloads to a single webhook URL, filtered by an
// event allow-list. With no URL or an empty list it is a no-op.
type Notifier struct {
	WebhookURL string
	Events     []string
	Client     *http.Client
}

func New(webhookURL string, events []string) *Notifier {
	return &Notifier{
		WebhookURL: webhookURL,
		Events:     events,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type payload struct {
	Event      string `json:"event"`
	ChangeID   string `json:"change_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
}

// Notify delivers one event for a work item. The response code is ignored.
func (n *Notifier) Notify(ctx context.Context, event string, item *model.WorkItem) {
	if n == nil || n.WebhookURL == "" || !n.allowed(event) {
		return
	}

	body, err := json.Marshal(payload{
		Event:      event,
		ChangeID:   item.ID,
		Title:      item.Title,
		Status:     string(item.Status),
		RetryCount: item.RetryCount,
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Specq-Delivery", uuid.NewString())

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (n *Notifier) allowed(event string) bool {
	for _, e := range n.Events {
		if e == event {
			return true
		}
	}
	return false
}
