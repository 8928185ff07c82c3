// Package notify delivers text messages to sellers over Telegram. Recipients
// are either numeric chat ids or usernames resolved through the Directory.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// NoContactSentinel is the on-chain placeholder meaning the seller declined to
// share a contact channel. Senders treat it like an empty contact.
const NoContactSentinel = "no telegram"

// Sender delivers a text message to a recipient.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// Telegram sends messages through the Bot API.
type Telegram struct {
	token     string
	directory *Directory
	http      *http.Client
	baseURL   string
	logger    *slog.Logger
}

// TelegramOption configures the sender.
type TelegramOption func(*Telegram)

func WithLogger(logger *slog.Logger) TelegramOption {
	return func(t *Telegram) { t.logger = logger }
}

// WithBaseURL overrides the Bot API host for tests.
func WithBaseURL(url string) TelegramOption {
	return func(t *Telegram) { t.baseURL = strings.TrimSuffix(url, "/") }
}

func NewTelegram(token string, directory *Directory, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:     token,
		directory: directory,
		http:      &http.Client{Timeout: 10 * time.Second},
		baseURL:   "https://api.telegram.org",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send resolves the recipient and posts a sendMessage call. A recipient that
// is all digits is used as a chat id directly; otherwise it is treated as a
// username that must already be registered in the Directory.
func (t *Telegram) Send(ctx context.Context, recipient, text string) error {
	if t.token == "" {
		return fmt.Errorf("telegram bot token not configured")
	}

	chatID, err := t.resolve(recipient)
	if err != nil {
		return err
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	defer resp.Body.Close()

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("telegram rejected message: %s", out.Description)
	}

	t.logger.Info("telegram message sent", "recipient", recipient, "chat_id", chatID)
	return nil
}

func (t *Telegram) resolve(recipient string) (string, error) {
	cleaned := normalizeUsername(recipient)
	if cleaned == "" {
		return "", fmt.Errorf("empty recipient")
	}
	if isDigits(cleaned) {
		return cleaned, nil
	}
	chatID, err := t.directory.Resolve(cleaned)
	if err != nil {
		return "", fmt.Errorf("username %q not registered with the bot: %w", cleaned, err)
	}
	return chatID, nil
}

// HasContact reports whether a contact string names a reachable channel, i.e.
// it is non-empty and not the on-chain "no contact" sentinel.
func HasContact(contact string) bool {
	c := strings.TrimSpace(contact)
	return c != "" && !strings.EqualFold(c, NoContactSentinel)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
