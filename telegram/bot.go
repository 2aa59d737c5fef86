// Package telegram connects the notifier to the Telegram Bot API: it delivers
// notifications and handles the /start subscribe command.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"listing-notifier/notify"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	replyActivated       = "Notifications have been activated"
	replyAlreadyActive   = "Notifications have already been activated"
	replySubscribeFailed = "Notifications could not be activated, please try again later"

	// pollTimeout is the long-poll wait for updates, in seconds.
	pollTimeout = 60
	// requestTimeout bounds every Bot API call; it must outlast a long poll.
	requestTimeout = (pollTimeout + 30) * time.Second
)

// botAPI is the part of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Subscriber registers a chat for notifications and reports whether it was new.
type Subscriber interface {
	Subscribe(ctx context.Context, id int64) (bool, error)
}

// Bot sends notifications and answers commands through the Telegram Bot API.
type Bot struct {
	api        botAPI
	logger     *slog.Logger
	attempts   uint
	retryDelay time.Duration
}

// New connects to the Bot API with token.
func New(token string, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, newHTTPClient())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Info("Telegram bot authorized", "username", api.Self.UserName)
	return newBot(api, logger), nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

func newBot(api botAPI, logger *slog.Logger) *Bot {
	return &Bot{
		api:        api,
		logger:     logger,
		attempts:   3,
		retryDelay: time.Second,
	}
}

// SendPhoto sends msg as a photo with caption.
func (b *Bot) SendPhoto(ctx context.Context, chatID int64, msg notify.Message) error {
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.Image))
	cfg.Caption = msg.Caption
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.ReplyMarkup = linkKeyboard(msg)
	return b.send(ctx, cfg, "photo")
}

// SendText sends msg as a text message.
func (b *Bot) SendText(ctx context.Context, chatID int64, msg notify.Message) error {
	cfg := tgbotapi.NewMessage(chatID, msg.Caption)
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.DisableWebPagePreview = true
	cfg.ReplyMarkup = linkKeyboard(msg)
	return b.send(ctx, cfg, "text")
}

func linkKeyboard(msg notify.Message) any {
	if msg.LinkURL == "" {
		return nil
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(msg.LinkText, msg.LinkURL)),
	)
}

// send delivers c, retrying throttling, server errors and network failures.
// A 400 from the API is reported as notify.ErrRejected.
func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable, kind string) error {
	err := retry.Do(
		func() error {
			_, err := b.api.Send(c)
			if err == nil {
				return nil
			}
			if code, ok := apiErrorCode(err); ok {
				if code == http.StatusBadRequest {
					return retry.Unrecoverable(fmt.Errorf("%w: %w", notify.ErrRejected, err))
				}
				if code != http.StatusTooManyRequests && code < 500 {
					return retry.Unrecoverable(err)
				}
			}
			return err
		},
		retry.Attempts(b.attempts),
		retry.Delay(b.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying telegram send after error", "kind", kind, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("telegram send %s: %w", kind, err)
	}
	return nil
}

// apiErrorCode extracts the Bot API error code, if err came from the API.
func apiErrorCode(err error) (int, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}

// Reply sends a plain text message.
func (b *Bot) Reply(ctx context.Context, chatID int64, text string) error {
	return b.send(ctx, tgbotapi.NewMessage(chatID, text), "reply")
}

// Run long-polls for updates and handles commands until ctx is canceled.
func (b *Bot) Run(ctx context.Context, subs Subscriber) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Listening for telegram commands")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("Stopped listening for telegram commands")
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram updates channel closed")
			}
			b.handleUpdate(ctx, update, subs)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update, subs Subscriber) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "start":
		b.handleStart(ctx, msg.Chat.ID, subs)
	default:
		b.logger.Debug("Ignoring unknown command", "chat_id", msg.Chat.ID, "command", msg.Command())
	}
}

func (b *Bot) handleStart(ctx context.Context, chatID int64, subs Subscriber) {
	created, err := subs.Subscribe(ctx, chatID)
	reply := replyActivated
	switch {
	case err != nil:
		b.logger.Error("Subscribe failed", "chat_id", chatID, "error", err)
		reply = replySubscribeFailed
	case !created:
		reply = replyAlreadyActive
	default:
		b.logger.Info("New subscriber", "chat_id", chatID)
	}

	if err := b.Reply(ctx, chatID, reply); err != nil {
		b.logger.Warn("Failed to reply to command", "chat_id", chatID, "command", "start", "error", err)
	}
}
