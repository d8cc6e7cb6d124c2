package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/model"
	"go.uber.org/zap"
)

// sesAPI is the subset of the SES v2 client the adapter uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// EmailAdapter mails content to a fixed recipient list through AWS SES.
type EmailAdapter struct {
	health

	name    string
	enabled bool
	cfg     config.EmailConfig
	client  sesAPI
	log     *zap.Logger
}

func NewEmail(ctx context.Context, name string, enabled bool, cfg config.EmailConfig, log *zap.Logger) (*EmailAdapter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newEmailWithClient(name, enabled, cfg, client, log), nil
}

func newEmailWithClient(name string, enabled bool, cfg config.EmailConfig, client sesAPI, log *zap.Logger) *EmailAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmailAdapter{
		name:    name,
		enabled: enabled,
		cfg:     cfg,
		client:  client,
		log:     log.With(zap.String("channel", name)),
	}
}

func (a *EmailAdapter) Name() string  { return a.name }
func (a *EmailAdapter) Kind() string  { return config.KindEmail }
func (a *EmailAdapter) Enabled() bool { return a.enabled }

func (a *EmailAdapter) Authenticate(ctx context.Context) error {
	out, err := a.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		a.setAuth(false, "", err)
		return fmt.Errorf("ses get account: %w", err)
	}
	if !out.SendingEnabled {
		err := errors.New("ses sending is disabled for this account")
		a.setAuth(false, "", err)
		return err
	}
	a.setAuth(true, a.cfg.From, nil)
	return nil
}

func (a *EmailAdapter) Validate(c model.Content) error {
	if err := validateText(c, 0); err != nil {
		return err
	}
	if strings.ContainsAny(subjectOf(c), "\r\n") {
		return fmt.Errorf("%w: subject contains a line break", ErrInvalidContent)
	}
	return nil
}

func (a *EmailAdapter) Publish(ctx context.Context, c model.Content) (string, error) {
	body := c.Text
	if c.Link != "" {
		body += "\n\n" + c.Link
	}

	out, err := a.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(a.cfg.From),
		Destination: &types.Destination{
			ToAddresses: a.cfg.To,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subjectOf(c))},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		err = a.classify(err)
		a.observe(err)
		return "", err
	}
	a.observe(nil)
	return aws.ToString(out.MessageId), nil
}

func (a *EmailAdapter) Status() HealthInfo {
	return a.snapshot(a.name, config.KindEmail, a.enabled)
}

func (a *EmailAdapter) classify(err error) error {
	var (
		tooMany   *types.TooManyRequestsException
		limit     *types.LimitExceededException
		rejected  *types.MessageRejected
		paused    *types.SendingPausedException
		suspended *types.AccountSuspendedException
		badReq    *types.BadRequestException
		notVerif  *types.MailFromDomainNotVerifiedException
	)
	switch {
	case errors.As(err, &tooMany), errors.As(err, &limit):
		return &RateLimitError{Channel: a.name, Err: err}
	case errors.As(err, &rejected), errors.As(err, &paused), errors.As(err, &suspended),
		errors.As(err, &badReq), errors.As(err, &notVerif):
		return Permanent(err)
	}
	return err
}

func subjectOf(c model.Content) string {
	if s := strings.TrimSpace(c.Title); s != "" {
		return s
	}
	first, _, _ := strings.Cut(strings.TrimSpace(c.Text), "\n")
	return truncate(first, 120)
}

var _ Adapter = (*EmailAdapter)(nil)
