package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/followup/internal/errors"
)

func TestValidateRecipient(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"ada@example.org", "Ada <ada@example.org>", " bo@mail.example.co.uk "} {
		assert.NoError(t, ValidateRecipient(ok), ok)
	}
	for _, bad := range []string{"", "not-an-email", "ada@localhost", "@example.org"} {
		err := ValidateRecipient(bad)
		require.Error(t, err, bad)
		assert.True(t, appErrors.IsPermanent(err), bad)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Classify(nil))

	timeout := Classify(fmt.Errorf("send: %w", context.DeadlineExceeded))
	assert.False(t, appErrors.IsPermanent(timeout))
	var trans *appErrors.TransientDeliveryError
	assert.True(t, errors.As(timeout, &trans))

	netErr := Classify(&net.OpError{Op: "dial", Err: errors.New("connection refused")})
	assert.False(t, appErrors.IsPermanent(netErr))

	assert.True(t, appErrors.IsPermanent(Classify(errors.New("422 validation_error: invalid `to` field"))))
	assert.True(t, appErrors.IsPermanent(Classify(errors.New("403 forbidden"))))
	assert.False(t, appErrors.IsPermanent(Classify(errors.New("500 internal server error"))))

	for _, msg := range []string{
		"resend: API key is invalid",
		"401 missing_api_key",
		"429 rate_limit_exceeded: too many requests",
	} {
		assert.False(t, appErrors.IsPermanent(Classify(errors.New(msg))), msg)
	}

	already := appErrors.NewPermanent(errors.New("bounced"))
	assert.Same(t, already, Classify(already))
}

func TestSenderFrom(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "care@example.org", Sender{Email: "care@example.org"}.From())
	assert.Equal(t, `"Hope Center" <care@example.org>`, Sender{Email: "care@example.org", Name: "Hope Center"}.From())
}

func TestLogTransport(t *testing.T) {
	t.Parallel()

	tr := &LogTransport{Sender: Sender{Email: "care@example.org"}}
	require.NoError(t, tr.Send(context.Background(), &Message{To: "ada@example.org", Subject: "Hi", Text: "Hello"}))

	err := tr.Send(context.Background(), &Message{To: "nope"})
	assert.True(t, appErrors.IsPermanent(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tr.Send(ctx, &Message{To: "ada@example.org"})
	require.Error(t, err)
	assert.False(t, appErrors.IsPermanent(err))
}
