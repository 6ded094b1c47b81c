package deliver

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSSender delivers SMS notifications via AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *SNSSender) Send(ctx context.Context, n Notification) error {
	if n.Channel != ChannelSMS {
		return fmt.Errorf("SNS sender only supports SMS, got: %s", n.Channel)
	}
	if n.To == "" {
		return fmt.Errorf("SMS notification missing phone number")
	}

	message := n.Body
	if n.Title != "" {
		message = n.Title + ": " + n.Body
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(n.To),
		Message:     aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("sms sent via SNS",
		zap.String("id", n.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == ChannelSMS
}
