package esp

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/ignite/delivery-engine/internal/domain"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
)

// SESAPI is the slice of the SES v2 client the adapter uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES adapter.
type SESConfig struct {
	AccessKey        string
	SecretKey        string
	Region           string
	ConfigurationSet string
	Timeout          time.Duration
}

// SESSender sends through AWS SES v2.
type SESSender struct {
	client           SESAPI
	configurationSet string
	timeout          time.Duration
	now              func() time.Time
}

// NewSESSender builds an SES sender. Static credentials are used when set,
// otherwise the default AWS credential chain applies.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewSESSenderWithClient(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewSESSenderWithClient wraps an existing SES client.
func NewSESSenderWithClient(client SESAPI, cfg SESConfig) *SESSender {
	return &SESSender{client: client, configurationSet: cfg.ConfigurationSet, timeout: cfg.Timeout, now: time.Now}
}

// Name implements Sender.
func (s *SESSender) Name() domain.ESPType { return domain.ESPSES }

// Send delivers one message. The message id rides along as an email tag,
// which SES includes in its SNS notifications.
func (s *SESSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.client == nil {
		return nil, notConfigured(domain.ESPSES)
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	simple := &types.Message{
		Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
		Body:    body,
	}
	if len(msg.Headers) > 0 {
		names := make([]string, 0, len(msg.Headers))
		for k := range msg.Headers {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			simple.Headers = append(simple.Headers, types.MessageHeader{Name: aws.String(k), Value: aws.String(msg.Headers[k])})
		}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.FromHeader()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content:          &types.EmailContent{Simple: simple},
		EmailTags:        sesTags(msg),
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, Classify(ctx, domain.ESPSES, err)
	}

	messageID := aws.ToString(out.MessageId)
	logger.Debug("ses accepted message", "message_id", msg.MessageID, "provider_message_id", messageID, "to", msg.To)

	return &domain.SendResult{
		ProviderMessageID: messageID,
		StatusCode:        200,
		ESPType:           domain.ESPSES,
		SentAt:            s.now(),
	}, nil
}

func sesTags(msg *domain.EmailMessage) []types.MessageTag {
	tags := []types.MessageTag{{Name: aws.String("message_id"), Value: aws.String(msg.MessageID)}}
	if msg.TenantID != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("tenant_id"), Value: aws.String(msg.TenantID)})
	}
	if msg.BulkJobID != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("bulk_job_id"), Value: aws.String(msg.BulkJobID)})
	}
	return tags
}
