package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"
)

// Channel names an audience for a message
type Channel string

const (
	// Operator receives sweep reports and failure detail
	Operator Channel = "operator"
	// Users receives sweep reports
	Users Channel = "users"
	// Errors receives full failure detail of interactive submissions
	Errors Channel = "errors"
)

// Notifier delivers text to a channel
type Notifier interface {
	Notify(ctx context.Context, ch Channel, text string) error
}

// Log writes messages to the default logger. Used when no chat transport is
// configured.
type Log struct{}

// Notify logs the message
func (Log) Notify(ctx context.Context, ch Channel, text string) error {
	slog.Info("Notification", "channel", ch, "text", text)
	return nil
}

// DefaultTelegramURL is the Bot API endpoint
const DefaultTelegramURL = "https://api.telegram.org"

// telegramMaxMessage is the Bot API message length limit in characters
const telegramMaxMessage = 4096

// Telegram sends messages through the Bot API
type Telegram struct {
	baseURL string
	token   string
	chats   map[Channel]int64
	client  *http.Client
}

// NewTelegram creates a Telegram notifier. Channels without a chat id are
// dropped silently.
func NewTelegram(baseURL, token string, chats map[Channel]int64) *Telegram {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	return &Telegram{
		baseURL: baseURL,
		token:   token,
		chats:   chats,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// Notify sends text to the chat mapped to ch, splitting long messages
func (t *Telegram) Notify(ctx context.Context, ch Channel, text string) error {
	chatID, ok := t.chats[ch]
	if !ok || chatID == 0 {
		return nil
	}

	for _, chunk := range split(text, telegramMaxMessage) {
		if err := t.send(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("notifying %s: %w", ch, err)
		}
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	data, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling telegram API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram API error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// split cuts text into pieces of at most limit runes
func split(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		chunks []string
		runes  = []rune(text)
	)
	for len(runes) > 0 {
		n := limit
		if len(runes) < n {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
