package portal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport wraps network failures and unexpected HTTP statuses.
	ErrTransport = errors.New("portal: transport error")
	// ErrAuthenticationFailed means bad credentials, a rejected challenge
	// code or a session the portal no longer accepts.
	ErrAuthenticationFailed = errors.New("portal: authentication failed")
	// ErrChallengeExpected means the login needs an SMS code before it can
	// complete.
	ErrChallengeExpected = errors.New("portal: sms challenge expected")
	// ErrExtractionDegraded means an expected element was missing from a
	// page, the record that goes with it is partial.
	ErrExtractionDegraded = errors.New("portal: extraction degraded")
	// ErrValidation means the input was rejected before any request.
	ErrValidation = errors.New("portal: validation failed")
	ErrNotFound   = errors.New("portal: message not found")
	ErrRejected   = errors.New("portal: submission rejected")

	ErrNoSession = fmt.Errorf("%w: no valid session", ErrAuthenticationFailed)
)

// DegradedError lists the elements that could not be found on a page.
type DegradedError struct {
	Page    string
	Missing []string
}

func (e DegradedError) Error() string {
	return fmt.Sprintf("%s: %s missing %s", ErrExtractionDegraded, e.Page, strings.Join(e.Missing, ", "))
}

func (e DegradedError) Unwrap() error {
	return ErrExtractionDegraded
}

func wrapTransport(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
