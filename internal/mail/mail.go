// Package mail delivers rendered follow-up emails through one outbound
// transport and sorts its failures into transient and permanent ones.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	appErrors "github.com/unclebandit/followup/internal/errors"
)

// Message is a fully rendered plain-text email.
type Message struct {
	To      string
	Subject string
	Text    string
	// Idempotency is forwarded to providers that support it so a resend after
	// a lost response is not delivered twice.
	Idempotency string
}

// Transport sends one message. Returned errors are either
// *appErrors.PermanentDeliveryError or treated as transient by the caller.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Sender identifies the organization in the From and Reply-To headers.
type Sender struct {
	Email   string
	Name    string
	ReplyTo string
}

func (s Sender) From() string {
	if s.Name == "" {
		return s.Email
	}
	return (&mail.Address{Name: s.Name, Address: s.Email}).String()
}

// ValidAddress reports whether addr is a bare address a transport can deliver
// to: it must parse and its domain must contain a dot.
func ValidAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("empty address")
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if !strings.Contains(parsed.Address[strings.LastIndex(parsed.Address, "@")+1:], ".") {
		return fmt.Errorf("invalid address domain %q", addr)
	}
	return nil
}

// ValidateRecipient rejects addresses no transport could ever deliver to.
// The error is permanent so the item is abandoned without retries.
func ValidateRecipient(addr string) error {
	if err := ValidAddress(addr); err != nil {
		return appErrors.NewPermanent(fmt.Errorf("recipient: %w", err))
	}
	return nil
}
