package outbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// SESAPI is the subset of the SESv2 client the channel uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESChannel sends SUPPORT replies from the organization's routing address.
type SESChannel struct {
	channelBase
	client SESAPI
	from   string
}

// NewSESClient loads the default AWS credential chain for region.
func NewSESClient(ctx context.Context, region string) (*sesv2.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sesv2.NewFromConfig(cfg), nil
}

// NewSESChannel builds the channel. A non-empty from overrides the routing
// address as sender, for accounts where only one identity is verified.
func NewSESChannel(client SESAPI, from string, opts ...ChannelOption) *SESChannel {
	return &SESChannel{channelBase: newChannelBase("ses", opts), client: client, from: from}
}

// Provider implements Channel.
func (c *SESChannel) Provider() models.Provider { return models.ProviderSupport }

// Build implements Channel. Replies with an attachment go out as raw MIME.
func (c *SESChannel) Build(ctx context.Context, env Envelope) (ProviderRequest, error) {
	env.From = env.ReplyTo
	if c.from != "" {
		env.From = c.from
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination:      &types.Destination{ToAddresses: []string{env.To}},
		ReplyToAddresses: []string{env.ReplyTo},
	}
	req := ProviderRequest{Provider: models.ProviderSupport, Envelope: env}
	if env.Attachment != nil {
		raw, err := BuildMIME(env)
		if err != nil {
			return ProviderRequest{}, err
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
		req.Raw = raw
	} else {
		input.Content = &types.EmailContent{Simple: &types.Message{
			Subject: &types.Content{Data: aws.String(env.Subject), Charset: aws.String("UTF-8")},
			Body:    &types.Body{Html: &types.Content{Data: aws.String(env.HTMLBody), Charset: aws.String("UTF-8")}},
		}}
	}
	req.Payload = input
	return req, nil
}

// Send implements Channel.
func (c *SESChannel) Send(ctx context.Context, req ProviderRequest) error {
	input, ok := req.Payload.(*sesv2.SendEmailInput)
	if !ok {
		return errors.New("ses: unexpected payload")
	}
	return c.execute(func() error {
		out, err := c.client.SendEmail(ctx, input)
		if err != nil {
			return sesError(err)
		}
		c.logf(logrus.Fields{"message_id": aws.ToString(out.MessageId), "ticket_id": req.Envelope.TicketID}, "ses: reply sent")
		return nil
	})
}

func sesError(err error) error {
	pe := &ProviderError{Provider: models.ProviderSupport, Body: err.Error(), Err: err}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		pe.StatusCode = re.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Body = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}
	return pe
}
