package telegram

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-notifier/notify"
)

type fakeAPI struct {
	mu      sync.Mutex
	errs    []error // returned by successive Send calls, then nil
	sent    []tgbotapi.Chattable
	updates chan tgbotapi.Update
	stopped bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) messages() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.sent...)
}

func testBot(api *fakeAPI) *Bot {
	b := newBot(api, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	b.retryDelay = time.Millisecond
	return b
}

func message() notify.Message {
	return notify.Message{
		Caption:  "New notification!\n\n<b>Title</b>: Bike",
		Image:    "https://site.example/img/1.jpg",
		LinkText: "Open ad",
		LinkURL:  "https://site.example/oglas/1",
	}
}

func assertLinkButton(t *testing.T, markup any) {
	t.Helper()
	kb, ok := markup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok, "markup is %T", markup)
	require.Len(t, kb.InlineKeyboard, 1)
	require.Len(t, kb.InlineKeyboard[0], 1)
	btn := kb.InlineKeyboard[0][0]
	assert.Equal(t, "Open ad", btn.Text)
	require.NotNil(t, btn.URL)
	assert.Equal(t, "https://site.example/oglas/1", *btn.URL)
}

func TestSendPhoto(t *testing.T) {
	api := &fakeAPI{}
	require.NoError(t, testBot(api).SendPhoto(context.Background(), 42, message()))

	sent := api.messages()
	require.Len(t, sent, 1)
	photo, ok := sent[0].(tgbotapi.PhotoConfig)
	require.True(t, ok, "sent %T", sent[0])
	assert.Equal(t, int64(42), photo.ChatID)
	assert.Equal(t, tgbotapi.FileURL("https://site.example/img/1.jpg"), photo.File)
	assert.Equal(t, tgbotapi.ModeHTML, photo.ParseMode)
	assert.Equal(t, message().Caption, photo.Caption)
	assertLinkButton(t, photo.ReplyMarkup)
}

func TestSendText(t *testing.T) {
	api := &fakeAPI{}
	require.NoError(t, testBot(api).SendText(context.Background(), 42, message()))

	sent := api.messages()
	require.Len(t, sent, 1)
	text, ok := sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok, "sent %T", sent[0])
	assert.Equal(t, int64(42), text.ChatID)
	assert.Equal(t, message().Caption, text.Text)
	assert.Equal(t, tgbotapi.ModeHTML, text.ParseMode)
	assertLinkButton(t, text.ReplyMarkup)
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name         string
		errs         []error
		wantErr      bool
		wantRejected bool
		wantCalls    int
	}{
		{
			name:         "bad request is a rejection",
			errs:         []error{&tgbotapi.Error{Code: 400, Message: "Bad Request: wrong file identifier/HTTP URL specified"}},
			wantErr:      true,
			wantRejected: true,
			wantCalls:    1,
		},
		{
			name:      "forbidden is final",
			errs:      []error{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}},
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "throttling is retried",
			errs:      []error{&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}},
			wantCalls: 2,
		},
		{
			name:      "network failure is retried",
			errs:      []error{errors.New("connection reset by peer")},
			wantCalls: 2,
		},
		{
			name:      "persistent network failure",
			errs:      []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")},
			wantErr:   true,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{errs: tt.errs}
			err := testBot(api).SendPhoto(context.Background(), 1, message())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantRejected, notify.IsRejected(err))
			assert.Len(t, api.messages(), tt.wantCalls)
		})
	}
}

type fakeSubscriber struct {
	mu     sync.Mutex
	active map[int64]bool
	err    error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.active[id] {
		return false, nil
	}
	f.active[id] = true
	return true, nil
}

func command(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func replies(t *testing.T, api *fakeAPI) []string {
	t.Helper()
	var out []string
	for _, c := range api.messages() {
		m, ok := c.(tgbotapi.MessageConfig)
		require.True(t, ok)
		out = append(out, m.Text)
	}
	return out
}

func TestStartCommand(t *testing.T) {
	api := &fakeAPI{}
	b := testBot(api)
	subs := &fakeSubscriber{active: map[int64]bool{}}
	ctx := context.Background()

	b.handleUpdate(ctx, command(5, "/start"), subs)
	b.handleUpdate(ctx, command(5, "/start"), subs)
	b.handleUpdate(ctx, command(6, "/start@listing_bot"), subs)

	assert.Equal(t, []string{
		"Notifications have been activated",
		"Notifications have already been activated",
		"Notifications have been activated",
	}, replies(t, api))
	assert.True(t, subs.active[5])
	assert.True(t, subs.active[6])
}

func TestStartCommandFailure(t *testing.T) {
	api := &fakeAPI{}
	subs := &fakeSubscriber{active: map[int64]bool{}, err: errors.New("db down")}
	testBot(api).handleUpdate(context.Background(), command(5, "/start"), subs)

	assert.Equal(t, []string{replySubscribeFailed}, replies(t, api))
}

func TestIgnoredUpdates(t *testing.T) {
	api := &fakeAPI{}
	b := testBot(api)
	subs := &fakeSubscriber{active: map[int64]bool{}}
	ctx := context.Background()

	b.handleUpdate(ctx, tgbotapi.Update{}, subs)
	b.handleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{Text: "hello", Chat: &tgbotapi.Chat{ID: 5}}}, subs)
	b.handleUpdate(ctx, command(5, "/help"), subs)

	assert.Empty(t, api.messages())
	assert.Empty(t, subs.active)
}

func TestHTTPClientOutlastsLongPoll(t *testing.T) {
	c := newHTTPClient()
	require.NotZero(t, c.Timeout)
	assert.Greater(t, c.Timeout, pollTimeout*time.Second)
}

func TestRunStopsOnCancel(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update, 1)}
	subs := &fakeSubscriber{active: map[int64]bool{}}
	api.updates <- command(9, "/start")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- testBot(api).Run(ctx, subs) }()

	require.Eventually(t, func() bool { return len(api.messages()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	api.mu.Lock()
	assert.True(t, api.stopped)
	api.mu.Unlock()
}
