// Package email builds byte-exact MIME messages and transmits them through
// interchangeable providers.
package email

import (
	"context"
	"encoding/json"

	"github.com/mailproof/mailproof/internal/model"
)

// Transport is the interface that all delivery providers implement.
// Send transmits msg.Raw verbatim so the bytes hashed as evidence are the
// bytes the provider received.
type Transport interface {
	// Name identifies the provider in evidence records
	Name() string
	// Send performs exactly one delivery attempt. Failures are returned as
	// *DeliveryError so the caller can tell retryable from fatal.
	Send(ctx context.Context, msg *model.RenderedMessage) (Receipt, error)
	Close() error
}

// Preflighter is implemented by transports that can verify connectivity
// and credentials before the first recipient is attempted
type Preflighter interface {
	Preflight(ctx context.Context) error
}

// Receipt is what the provider returned for an accepted message
type Receipt struct {
	ProviderMessageID string
	// Response is the provider's raw response, when it has one
	Response json.RawMessage
}
