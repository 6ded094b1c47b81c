// Package deliver carries fired reminders and stock alerts to the outside
// world. Delivery is best-effort: a failed send is logged and never blocks
// the engine's state.
package deliver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel constants.
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
	ChannelLog     = "log"
)

// Notification is one outbound message.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Channel   string    `json:"channel"`
	To        string    `json:"to"` // email address, E.164 phone number, or webhook URL
	Title     string    `json:"title"`
	Body      string    `json:"body"`
}

// Sender is the unified interface for all delivery channels.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	SupportsChannel(channel string) bool
}

// LogSender writes notifications to the log. It is the fallback channel for
// accounts with no registered contact and the default in development.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, n Notification) error {
	s.logger.Info("notification delivered (log channel)",
		zap.String("id", n.ID.String()),
		zap.String("account_id", n.AccountID.String()),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == ChannelLog
}

// MultiSender routes a notification to the first sender supporting its
// channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders, logger: logger}
}

func (m *MultiSender) Send(ctx context.Context, n Notification) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(n.Channel) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", n.Channel),
				zap.String("notification_id", n.ID.String()),
			)
			return sender.Send(ctx, n)
		}
	}
	return fmt.Errorf("no sender found for channel: %s", n.Channel)
}

func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}
