package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type fakeHandler struct {
	mu       sync.Mutex
	commands []string
	reply    string
	err      error
}

func (f *fakeHandler) HandleCommand(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return f.reply, f.err
}

func (f *fakeHandler) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// fakeAPI is a minimal Bot API stand-in: one batch of updates, then empties.
type fakeAPI struct {
	mu       sync.Mutex
	updates  []map[string]interface{}
	sent     []map[string]interface{}
	sendFail bool
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/bottest-token/sendMessage":
			if f.sendFail {
				fmt.Fprint(w, `{"ok":false,"description":"chat not found"}`)
				return
			}
			f.sent = append(f.sent, body)
			fmt.Fprint(w, `{"ok":true,"result":{}}`)
		case r.URL.Path == "/bottest-token/getUpdates":
			updates := f.updates
			f.updates = nil
			payload, err := json.Marshal(updates)
			require.NoError(t, err)
			fmt.Fprintf(w, `{"ok":true,"result":%s}`, payload)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}
}

func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m["text"].(string))
	}
	return out
}

func makeUpdate(id int64, fromID int64, text string) map[string]interface{} {
	return map[string]interface{}{
		"update_id": id,
		"message": map[string]interface{}{
			"from": map[string]interface{}{"id": fromID},
			"chat": map[string]interface{}{"id": fromID},
			"text": text,
		},
	}
}

func newTestBot(t *testing.T, api *fakeAPI) *Bot {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	bot, err := New(Config{
		Token:         "test-token",
		AllowedUserID: 42,
		Logger:        nopLogger{},
		BaseURL:       srv.URL,
	})
	require.NoError(t, err)
	return bot
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{AllowedUserID: 42, Logger: nopLogger{}})
	assert.Error(t, err, "token is required")

	_, err = New(Config{Token: "x", Logger: nopLogger{}})
	assert.Error(t, err, "allowed user is required")

	_, err = New(Config{Token: "x", AllowedUserID: 42})
	assert.Error(t, err, "logger is required")
}

func TestSend(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api)

	err := bot.Send(context.Background(), 42, "<b>hello</b>")
	require.NoError(t, err)

	require.Len(t, api.sent, 1)
	assert.Equal(t, float64(42), api.sent[0]["chat_id"])
	assert.Equal(t, "<b>hello</b>", api.sent[0]["text"])
	assert.Equal(t, "HTML", api.sent[0]["parse_mode"])
}

func TestSend_APIRejection(t *testing.T) {
	api := &fakeAPI{sendFail: true}
	bot := newTestBot(t, api)

	err := bot.Send(context.Background(), 42, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrDeliveryFailed)
}

func pollBriefly(t *testing.T, bot *Bot, handler CommandHandler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		bot.Poll(ctx, handler)
		close(done)
	}()
	<-done
}

func TestPoll_RoutesAuthorizedCommands(t *testing.T) {
	api := &fakeAPI{updates: []map[string]interface{}{
		makeUpdate(1, 42, "/stats"),
		makeUpdate(2, 42, "/balance"),
		makeUpdate(3, 42, "/start@my_dca_bot"),
	}}
	bot := newTestBot(t, api)
	handler := &fakeHandler{reply: "stats text"}

	pollBriefly(t, bot, handler)

	assert.Equal(t, []string{"stats", "balance", "start"}, handler.seen())
	assert.Len(t, api.sentTexts(), 3)
}

func TestPoll_RejectsUnauthorizedSender(t *testing.T) {
	api := &fakeAPI{updates: []map[string]interface{}{
		makeUpdate(1, 9999, "/stats"),
	}}
	bot := newTestBot(t, api)
	handler := &fakeHandler{reply: "stats text"}

	pollBriefly(t, bot, handler)

	assert.Empty(t, handler.seen(), "messages from other senders must not reach the handler")
	assert.Empty(t, api.sentTexts(), "no reply is sent to unauthorized senders")
}

func TestPoll_UnknownTextGetsHelp(t *testing.T) {
	api := &fakeAPI{updates: []map[string]interface{}{
		makeUpdate(1, 42, "what do I do"),
	}}
	bot := newTestBot(t, api)
	handler := &fakeHandler{}

	pollBriefly(t, bot, handler)

	assert.Empty(t, handler.seen())
	texts := api.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Available commands")
}

func TestPoll_HandlerErrorGetsApology(t *testing.T) {
	api := &fakeAPI{updates: []map[string]interface{}{
		makeUpdate(1, 42, "/stats"),
	}}
	bot := newTestBot(t, api)
	handler := &fakeHandler{err: fmt.Errorf("store gone")}

	pollBriefly(t, bot, handler)

	texts := api.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "went wrong")
}

func TestChatID(t *testing.T) {
	id, err := ChatID(" 12345 ")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), id)

	_, err = ChatID("abc")
	assert.Error(t, err)
}
