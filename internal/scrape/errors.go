package scrape

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricescout/internal/resilience"
)

// ErrConfiguration marks a target that cannot be attempted at all, such as
// an unknown retailer or a discovery target without a search template.
var ErrConfiguration = eris.New("scrape: configuration error")

// TransportError is a failure to obtain a page: timeout, refused connection,
// non-2xx status or a body that could not be read.
type TransportError struct {
	Tier       Tier
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Tier.Label(), e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Tier.Label(), e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may clear on a later attempt.
func (e *TransportError) Retryable() bool {
	if e.StatusCode >= 400 && !resilience.IsTransientHTTPStatus(e.StatusCode) {
		return false
	}
	return resilience.IsTransient(e.Err) || resilience.IsTransientHTTPStatus(e.StatusCode)
}

// BlockedError is returned when a fetched page is a challenge or bot wall.
// The chain treats it as a page without a price.
type BlockedError struct {
	Tier Tier
	Type BlockType
	HTML string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: blocked (%s)", e.Tier.Label(), e.Type)
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// retryableTransport is the retry predicate for the protected tier.
func retryableTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable()
}
