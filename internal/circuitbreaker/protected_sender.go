package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/deliver"
)

// ProtectedSender wraps a delivery sender with a CircuitBreaker. When the
// downstream service (SES, SNS, a webhook endpoint) starts failing, the
// circuit opens and sends fail fast instead of piling up.
type ProtectedSender struct {
	sender  deliver.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender deliver.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts delivery through the circuit breaker. If the circuit is
// open, ErrCircuitOpen is returned immediately; otherwise the outcome of the
// underlying send is recorded against the breaker.
func (p *ProtectedSender) Send(ctx context.Context, n deliver.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery, failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", n.ID.String()),
			zap.String("channel", n.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, n)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
