// Package discord delivers notifications through a Discord channel webhook.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"matchwatch/internal/retry"
	"matchwatch/internal/transport"
)

var ErrNoURL = errors.New("discord: webhook url is empty")

type Webhook struct {
	url        string
	username   string
	httpClient *http.Client
}

type Option func(*Webhook)

func WithHTTPClient(c *http.Client) Option { return func(w *Webhook) { w.httpClient = c } }

// WithUsername overrides the webhook's display name.
func WithUsername(name string) Option { return func(w *Webhook) { w.username = name } }

func New(url string, opts ...Option) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrNoURL
	}
	w := &Webhook{url: url, httpClient: &http.Client{Timeout: 10 * time.Second}}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

func (w *Webhook) Name() string { return "discord" }

type embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	URL         string  `json:"url,omitempty"`
	Color       int     `json:"color,omitempty"`
	Fields      []field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type payload struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []embed `json:"embeds,omitempty"`
}

// rateLimitBody is Discord's 429 body; retry_after is in seconds.
type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// Send posts m as a single embed. 429 responses carry the server delay as a
// retry.RetryAfterError; other 4xx responses are not retryable.
func (w *Webhook) Send(ctx context.Context, m transport.Message) error {
	e := embed{
		Title:       m.Title,
		Description: m.Text,
		URL:         m.URL,
		Color:       m.Color,
	}
	for _, f := range m.Fields {
		e.Fields = append(e.Fields, field{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if !m.Timestamp.IsZero() {
		e.Timestamp = m.Timestamp.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(payload{Username: w.username, Embeds: []embed{e}})
	if err != nil {
		return retry.NoRetry(fmt.Errorf("marshal discord payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return retry.NoRetry(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.WithRetryAfter(errors.New("discord rate limited"), retryAfter(resp.Header, body))
	case resp.StatusCode >= 500:
		return fmt.Errorf("discord webhook: status=%d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return retry.NoRetry(fmt.Errorf("discord webhook: status=%d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}

func retryAfter(h http.Header, body []byte) time.Duration {
	var rl rateLimitBody
	if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	if s, err := strconv.ParseFloat(strings.TrimSpace(h.Get("Retry-After")), 64); err == nil && s > 0 {
		return time.Duration(s * float64(time.Second))
	}
	return time.Second
}
