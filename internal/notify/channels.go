// Package notify delivers watchdog messages to external channels.
// Monitors hand a message to the Router; the Router fans it out to the
// machine's own channels and to the global ones.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"guest-watchdog/internal/model"
)

const (
	defaultTelegramBaseURL = "https://api.telegram.org"
	sendTimeout            = 10 * time.Second
)

// Channel is the interface for all notification backends.
type Channel interface {
	// Send delivers a notification. Returns an error if delivery fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name.
	Type() string
}

// Message is a notification to be delivered.
type Message struct {
	Machine model.Machine
	// Body is the raw monitor message.
	Body string
	// Text is Body prefixed with the machine identity.
	Text      string
	Timestamp time.Time
}

// FormatText renders the text every channel shows for a machine message.
func FormatText(m model.Machine, body string) string {
	return fmt.Sprintf("VMID %s (%s): %s", m.VMID, m.FriendlyName, body)
}

// --- Telegram ---

// TelegramChannel sends plain-text messages via the Telegram Bot API.
type TelegramChannel struct {
	BotToken string
	ChatID   string
	// BaseURL defaults to the public Bot API endpoint.
	BaseURL string
	client  *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		BotToken: botToken,
		ChatID:   chatID,
		BaseURL:  defaultTelegramBaseURL,
		client:   &http.Client{Timeout: sendTimeout},
	}
}

func (t *TelegramChannel) Type() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	base := strings.TrimRight(t.BaseURL, "/")
	if base == "" {
		base = defaultTelegramBaseURL
	}
	target := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	payload := map[string]any{
		"chat_id": t.ChatID,
		"text":    msg.Text,
	}
	return postJSON(ctx, t.client, "telegram", target, payload, nil)
}

// --- Webhook ---

// WebhookChannel sends JSON notifications to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

func NewWebhookChannel(target string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     target,
		Headers: headers,
		client:  &http.Client{Timeout: sendTimeout},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"node":          msg.Machine.Node,
		"vmid":          msg.Machine.VMID,
		"friendly_name": msg.Machine.FriendlyName,
		"message":       msg.Body,
		"text":          msg.Text,
		"timestamp":     msg.Timestamp.UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, "webhook", w.URL, payload, w.Headers)
}

// postJSON never returns the target URL in its errors: Telegram carries the
// bot token in the path and webhook URLs often embed secrets.
func postJSON(ctx context.Context, client *http.Client, kind, target string, payload any, headers map[string]string) error {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s encode: %w", kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", kind, stripURL(err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send: %w", kind, stripURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
