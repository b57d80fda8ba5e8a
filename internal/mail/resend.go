package mail

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"
)

// ResendTransport sends through the Resend HTTP API.
type ResendTransport struct {
	client *resend.Client
	sender Sender
}

func NewResendTransport(apiKey string, sender Sender) *ResendTransport {
	return &ResendTransport{
		client: resend.NewClient(apiKey),
		sender: sender,
	}
}

func (t *ResendTransport) Send(ctx context.Context, msg *Message) error {
	if err := ValidateRecipient(msg.To); err != nil {
		return err
	}

	req := &resend.SendEmailRequest{
		From:    t.sender.From(),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Text,
		ReplyTo: t.sender.ReplyTo,
	}
	if msg.Idempotency != "" {
		req.Headers = map[string]string{"X-Entity-Ref-ID": msg.Idempotency}
	}

	if _, err := t.client.Emails.SendWithContext(ctx, req); err != nil {
		return Classify(fmt.Errorf("resend: %w", err))
	}
	return nil
}

var _ Transport = (*ResendTransport)(nil)
