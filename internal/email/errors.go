package email

import (
	"errors"
	"time"

	"github.com/mailproof/mailproof/internal/auth"
)

// Delivery errors
var (
	ErrQuotaExhausted   = errors.New("sending quota exhausted")
	ErrInvalidRecipient = errors.New("recipient rejected by provider")
	ErrAuthFailed       = errors.New("provider authentication failed")
	ErrInvalidHeader    = errors.New("header value contains a line break")
)

// DeliveryError is a classified failure of one delivery attempt
type DeliveryError struct {
	Retryable bool
	Reason    string
	// RetryAfter is the provider's wait hint, zero when absent
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient failure
func Retryable(reason string, retryAfter time.Duration, err error) error {
	return &DeliveryError{Retryable: true, Reason: reason, RetryAfter: retryAfter, Err: err}
}

// Fatal wraps err as a permanent failure for the current recipient
func Fatal(reason string, err error) error {
	return &DeliveryError{Reason: reason, Err: err}
}

// IsRetryable reports whether err is a transient failure and the provider's
// wait hint. Unclassified errors are permanent.
func IsRetryable(err error) (bool, time.Duration) {
	var de *DeliveryError
	if errors.As(err, &de) && de.Retryable {
		return true, de.RetryAfter
	}
	return false, 0
}

// Reason returns the classified reason, or the error text
func Reason(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Reason
	}
	return err.Error()
}

// AbortsCampaign reports whether err makes every remaining send pointless
func AbortsCampaign(err error) bool {
	return errors.Is(err, auth.ErrReauthRequired) || errors.Is(err, ErrQuotaExhausted)
}
