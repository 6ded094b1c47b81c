// Package account stores per-account delivery contact preferences.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dosemind/dosemind/internal/deliver"
	"github.com/dosemind/dosemind/internal/kv"
)

const contactPrefix = "contact:"

// Contact holds where an account's reminders and alerts are delivered.
// Channel selects which of the addresses is used.
type Contact struct {
	Channel    string `json:"channel"` // email, sms, webhook, log
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Contacts persists contact preferences on the key-value port.
type Contacts struct {
	store kv.Store
}

func NewContacts(store kv.Store) *Contacts {
	return &Contacts{store: store}
}

func (c *Contacts) Put(ctx context.Context, accountID uuid.UUID, contact Contact) error {
	switch contact.Channel {
	case deliver.ChannelEmail, deliver.ChannelSMS, deliver.ChannelWebhook, deliver.ChannelLog:
	default:
		return fmt.Errorf("unsupported contact channel: %q", contact.Channel)
	}

	data, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("marshal contact: %w", err)
	}
	if err := c.store.Set(ctx, contactPrefix+accountID.String(), string(data)); err != nil {
		return fmt.Errorf("store contact: %w", err)
	}
	return nil
}

// Resolve returns the delivery channel and address for an account. Accounts
// without a registered contact fall back to the log channel.
func (c *Contacts) Resolve(ctx context.Context, accountID uuid.UUID) (channel, to string) {
	val, err := c.store.Get(ctx, contactPrefix+accountID.String())
	if errors.Is(err, kv.ErrNotFound) {
		return deliver.ChannelLog, ""
	}
	if err != nil {
		return deliver.ChannelLog, ""
	}

	var contact Contact
	if err := json.Unmarshal([]byte(val), &contact); err != nil {
		return deliver.ChannelLog, ""
	}

	switch contact.Channel {
	case deliver.ChannelEmail:
		return deliver.ChannelEmail, contact.Email
	case deliver.ChannelSMS:
		return deliver.ChannelSMS, contact.Phone
	case deliver.ChannelWebhook:
		return deliver.ChannelWebhook, contact.WebhookURL
	default:
		return deliver.ChannelLog, ""
	}
}
