package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const telegramAPIURL = "https://api.telegram.org/bot%s/%s"

// TelegramConfig configures the Telegram messenger.
type TelegramConfig struct {
	// BotToken authenticates against the Bot API. Empty disables
	// delivery entirely.
	BotToken string `yaml:"bot_token"`
	// AlertChatID receives shared price alerts (ownerID 0).
	AlertChatID int64 `yaml:"alert_chat_id"`
	// Timeout bounds each API call.
	Timeout time.Duration `yaml:"timeout"`
}

// Telegram delivers messages through the Telegram Bot API. Owner IDs
// are Telegram chat IDs; owner 0 routes to the shared alert chat.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
}

var _ Messenger = (*Telegram)(nil)

// NewTelegram creates a Telegram messenger. A missing bot token is not
// an error: Send then reports delivery as failed and the dispatcher
// swallows it.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BotToken == "" {
		log.Warn().Msg("telegram: bot token not set, delivery disabled")
	} else {
		log.Info().Int64("alert_chat_id", cfg.AlertChatID).
			Msg("telegram: messenger initialized")
	}
	return &Telegram{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Send posts a Markdown message to the owner's chat.
func (t *Telegram) Send(ctx context.Context, ownerID int64, text string) error {
	if t.cfg.BotToken == "" {
		return fmt.Errorf("telegram: not configured")
	}

	chatID := ownerID
	if chatID == 0 {
		chatID = t.cfg.AlertChatID
	}
	if chatID == 0 {
		return fmt.Errorf("telegram: no chat for owner %d", ownerID)
	}

	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf(telegramAPIURL, t.cfg.BotToken, "sendMessage")
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: API status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
