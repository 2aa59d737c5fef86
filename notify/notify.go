// Package notify delivers listing notifications to subscribers over a chat transport.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"listing-notifier/pkg/listing"
)

// ErrRejected means the transport refused this particular payload, for example
// an image URL the chat service could not fetch. Other errors are transport failures.
var ErrRejected = errors.New("notify: payload rejected")

// IsRejected checks if an error is a payload rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Message is one outbound notification. Caption is HTML.
type Message struct {
	Caption  string
	Image    string // Absolute image URL; empty sends text only
	LinkText string
	LinkURL  string
}

// Transport defines the interface for chat delivery implementations.
type Transport interface {
	SendPhoto(ctx context.Context, chatID int64, msg Message) error
	SendText(ctx context.Context, chatID int64, msg Message) error
}

// Sender turns listing details into messages and delivers them through a Transport.
type Sender struct {
	transport Transport
	logger    *slog.Logger
}

// New creates a new sender with the given transport.
func New(transport Transport, logger *slog.Logger) *Sender {
	return &Sender{
		transport: transport,
		logger:    logger,
	}
}

// Notify sends one notification about d to chatID.
// The image is tried first; if the transport rejects it the same caption is sent as text.
func (s *Sender) Notify(ctx context.Context, chatID int64, d *listing.Detail) error {
	msg := Message{
		Image:    d.Image,
		LinkText: openLinkText,
		LinkURL:  d.URL,
	}

	if d.Image != "" {
		msg.Caption = FormatCaption(d, PhotoCaptionLimit)
		err := s.transport.SendPhoto(ctx, chatID, msg)
		if err == nil {
			s.logger.Info("Notification sent", "subscriber_id", chatID, "url", d.URL, "kind", "photo")
			return nil
		}
		if !IsRejected(err) {
			return fmt.Errorf("send photo: %w", err)
		}
		s.logger.Warn("Photo rejected, falling back to text", "subscriber_id", chatID, "url", d.URL, "image", d.Image, "error", err)
	}

	msg.Image = ""
	msg.Caption = FormatCaption(d, TextLimit)
	if err := s.transport.SendText(ctx, chatID, msg); err != nil {
		return fmt.Errorf("send text: %w", err)
	}

	s.logger.Info("Notification sent", "subscriber_id", chatID, "url", d.URL, "kind", "text")
	return nil
}
