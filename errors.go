package polyfetch

import (
	"errors"
	"fmt"

	"github.com/polyfetch-go/polyfetch/transport"
)

// RedirectReason names why a redirect failed to be followed.
type RedirectReason string

const (
	ReasonNoRedirect          RedirectReason = "no-redirect"
	ReasonMaxRedirect         RedirectReason = "max-redirect"
	ReasonUnsupportedRedirect RedirectReason = "unsupported-redirect"
)

// RedirectError reports a redirect the Fetch Layer refused to follow.
type RedirectError struct {
	Reason   RedirectReason
	URL      string
	Location string
}

func (e *RedirectError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("redirect %s: %s -> %s", e.Reason, e.URL, e.Location)
	}
	return fmt.Sprintf("redirect %s: %s", e.Reason, e.URL)
}

func (e *RedirectError) Is(target error) bool {
	var other *RedirectError
	if errors.As(target, &other) {
		return other.Reason == "" || other.Reason == e.Reason
	}
	return false
}

// IsAbortError reports whether err is (or wraps) a cancellation,
// distinguished from other failures so callers can detect voluntary
// cancellation.
func IsAbortError(err error) bool {
	return errors.Is(err, transport.SentinelCancelled)
}

// IsRedirectError reports whether err is (or wraps) a RedirectError,
// optionally narrowed to a specific reason when reason is non-empty.
func IsRedirectError(err error, reason RedirectReason) bool {
	return errors.Is(err, &RedirectError{Reason: reason})
}
