package notify

import (
	"context"
	"log/slog"
)

// MockTransport logs notifications instead of sending them, for local development.
type MockTransport struct {
	logger *slog.Logger
}

// NewMockTransport creates a new mock transport.
func NewMockTransport(logger *slog.Logger) *MockTransport {
	return &MockTransport{
		logger: logger,
	}
}

// SendPhoto logs the photo notification instead of sending it.
func (m *MockTransport) SendPhoto(ctx context.Context, chatID int64, msg Message) error {
	m.logger.Info("MOCK PHOTO",
		"chat_id", chatID,
		"image", msg.Image,
		"link", msg.LinkURL,
		"caption_length", len(msg.Caption))
	return nil
}

// SendText logs the text notification instead of sending it.
func (m *MockTransport) SendText(ctx context.Context, chatID int64, msg Message) error {
	m.logger.Info("MOCK TEXT",
		"chat_id", chatID,
		"link", msg.LinkURL,
		"caption_length", len(msg.Caption))
	return nil
}
