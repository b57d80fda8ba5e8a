package mail

import (
	"context"
	"log/slog"
)

// LogTransport writes messages to the log instead of sending them. It is the
// default when no provider is configured.
type LogTransport struct {
	Log    *slog.Logger
	Sender Sender
}

func (t *LogTransport) Send(ctx context.Context, msg *Message) error {
	if err := ValidateRecipient(msg.To); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return Classify(err)
	}
	log := t.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log.InfoContext(ctx, "mail: would send",
		slog.String("from", t.Sender.From()),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.Int("body_bytes", len(msg.Text)),
	)
	return nil
}

var _ Transport = (*LogTransport)(nil)
