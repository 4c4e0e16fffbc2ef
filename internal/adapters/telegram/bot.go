// Package telegram implements the notification gate over the Telegram Bot
// HTTP API: outbound messages to the single authorized operator, and inbound
// long-polling for the read-only stats commands.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dcabot/internal/ports"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	pollTimeoutSec = 30
)

// CommandHandler answers the inbound read-only commands. Implemented by the
// application service; the bot only routes and authorizes.
type CommandHandler interface {
	HandleCommand(ctx context.Context, command string) (string, error)
}

// Bot implements ports.Notifier and serves inbound commands from exactly one
// authorized user. Any other sender identity is rejected.
type Bot struct {
	httpClient    *http.Client
	baseURL       string
	token         string
	allowedUserID int64
	logger        ports.Logger
}

// Config holds configuration for the Telegram bot adapter.
type Config struct {
	Token         string
	AllowedUserID int64
	Logger        ports.Logger
	BaseURL       string // Override for tests; defaults to the Telegram API
}

// New creates a Telegram bot adapter.
func New(cfg Config) (*Bot, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram bot")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.AllowedUserID == 0 {
		return nil, fmt.Errorf("allowed user ID is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Bot{
		// The long-poll request itself lasts pollTimeoutSec; leave headroom.
		httpClient:    &http.Client{Timeout: (pollTimeoutSec + 10) * time.Second},
		baseURL:       baseURL,
		token:         cfg.Token,
		allowedUserID: cfg.AllowedUserID,
		logger:        cfg.Logger,
	}, nil
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// call posts a JSON body to a Bot API method and decodes the envelope.
func (b *Bot) call(ctx context.Context, method string, body interface{}, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w: %w", method, ports.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w: %w", method, ports.ErrDeliveryFailed, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s rejected by API: %s: %w", method, envelope.Description, ports.ErrDeliveryFailed)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// Send delivers an HTML message to the recipient. Failures wrap
// ports.ErrDeliveryFailed; callers log and move on.
func (b *Bot) Send(ctx context.Context, recipientID int64, text string) error {
	body := map[string]interface{}{
		"chat_id":    recipientID,
		"text":       text,
		"parse_mode": "HTML",
	}
	return b.call(ctx, "sendMessage", body, nil)
}

// Poll long-polls for updates and routes authorized commands to the handler.
// It blocks until ctx is canceled; transport errors are logged and polling
// resumes after a short pause.
func (b *Bot) Poll(ctx context.Context, handler CommandHandler) {
	b.logger.Info(ctx, "Telegram polling started", map[string]interface{}{"allowedUserID": b.allowedUserID})
	var offset int64
	for {
		select {
		case <-ctx.Done():
			b.logger.Info(ctx, "Telegram polling stopped")
			return
		default:
		}

		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.logger.Warn(ctx, "Failed to fetch Telegram updates", map[string]interface{}{"error": err.Error()})
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			b.handleUpdate(ctx, u, handler)
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	body := map[string]interface{}{
		"offset":          offset,
		"timeout":         pollTimeoutSec,
		"allowed_updates": []string{"message"},
	}
	var updates []update
	if err := b.call(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (b *Bot) handleUpdate(ctx context.Context, u update, handler CommandHandler) {
	if u.Message == nil || u.Message.From == nil {
		return
	}
	if u.Message.From.ID != b.allowedUserID {
		b.logger.Warn(ctx, "Rejected message from unauthorized sender", map[string]interface{}{
			"senderID": u.Message.From.ID,
		})
		return
	}

	reply := b.dispatch(ctx, u.Message.Text, handler)
	if reply == "" {
		return
	}
	if err := b.Send(ctx, u.Message.Chat.ID, reply); err != nil {
		b.logger.Error(ctx, err, "Failed to send command reply")
	}
}

// dispatch maps the message text to a command reply. Unknown text from the
// authorized user gets the command help.
func (b *Bot) dispatch(ctx context.Context, text string, handler CommandHandler) string {
	cmd := strings.ToLower(strings.TrimSpace(text))
	// Strip a "@botname" suffix so "/stats@my_bot" routes like "/stats".
	if i := strings.Index(cmd, "@"); i > 0 && strings.HasPrefix(cmd, "/") {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start", "/stats", "/balance":
		reply, err := handler.HandleCommand(ctx, strings.TrimPrefix(cmd, "/"))
		if err != nil {
			b.logger.Error(ctx, err, "Command handling failed", map[string]interface{}{"command": cmd})
			return "Something went wrong fetching your data. Please try again."
		}
		return reply
	default:
		return "Available commands:\n" +
			"/start - Show your DCA statistics\n" +
			"/stats - Show your DCA statistics\n" +
			"/balance - Show your account balance"
	}
}

var _ ports.Notifier = (*Bot)(nil)

// ChatID parses a Telegram user ID from its string form. Kept here so config
// validation and tests share one parser.
func ChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Telegram user ID %q: %w", s, err)
	}
	return id, nil
}
