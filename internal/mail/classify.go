package mail

import (
	"context"
	"errors"
	"net"
	"strings"

	appErrors "github.com/unclebandit/followup/internal/errors"
)

// transientMarkers win over permanentMarkers: a bad API key or a rate limit
// affects every message alike and clears once the operator or the provider
// catches up, so the backlog must stay retryable.
var transientMarkers = []string{
	"api key",
	"api_key",
	"401",
	"unauthorized",
	"429",
	"rate limit",
	"rate_limit",
}

// permanentMarkers are fragments of provider error messages that mean the
// request itself is wrong and resending it unchanged cannot succeed.
var permanentMarkers = []string{
	"validation",
	"invalid",
	"422",
	"403",
	"not allowed",
	"suppressed",
}

// Classify wraps err as transient or permanent. Timeouts, cancellations and
// network errors are transient; a provider rejection of the request is
// permanent; anything unrecognized is retried.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var perm *appErrors.PermanentDeliveryError
	var trans *appErrors.TransientDeliveryError
	if errors.As(err, &perm) || errors.As(err, &trans) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return appErrors.NewTransient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return appErrors.NewTransient(err)
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return appErrors.NewTransient(err)
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return appErrors.NewPermanent(err)
		}
	}
	return appErrors.NewTransient(err)
}
