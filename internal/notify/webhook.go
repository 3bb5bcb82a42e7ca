package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LiveStart announces a broadcast going live.
type LiveStart struct {
	UID    int64  `json:"uid"`
	RoomID int64  `json:"room_id"`
	Uname  string `json:"uname"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// LiveEnd announces a broadcast ending, with the session's aggregate report.
type LiveEnd struct {
	UID    int64       `json:"uid"`
	RoomID int64       `json:"room_id"`
	Uname  string      `json:"uname"`
	Report interface{} `json:"report,omitempty"`
}

// Notifier receives live-state transitions.
type Notifier interface {
	LiveStarted(ctx context.Context, ev LiveStart) error
	LiveEnded(ctx context.Context, ev LiveEnd) error
}

// Webhook posts transitions as JSON to a configured URL. An empty URL
// yields a no-op notifier.
type Webhook struct {
	url  string
	http *http.Client
	log  *zerolog.Logger
}

func NewWebhook(url string, log *zerolog.Logger) *Webhook {
	return &Webhook{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

func (w *Webhook) LiveStarted(ctx context.Context, ev LiveStart) error {
	return w.post(ctx, "live_start", ev)
}

func (w *Webhook) LiveEnded(ctx context.Context, ev LiveEnd) error {
	return w.post(ctx, "live_end", ev)
}

func (w *Webhook) post(ctx context.Context, kind string, payload interface{}) error {
	if w.url == "" {
		return nil
	}
	body, err := json.Marshal(struct {
		Kind    string      `json:"kind"`
		Payload interface{} `json:"payload"`
	}{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s webhook: %w", kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s webhook: status %d", kind, resp.StatusCode)
	}
	w.log.Debug().Str("kind", kind).Msg("webhook delivered")
	return nil
}
