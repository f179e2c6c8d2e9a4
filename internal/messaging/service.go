// Package messaging delivers outbound text to conversation participants.
//
// The webhook path answers inline; Service is used when text is produced outside
// of any request, e.g. when a delayed flow continuation resumes.
package messaging

import (
	"context"
	"errors"
	"regexp"
)

var (
	// ErrServiceStopped is returned by Send after Stop has been called.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrEmptyText is returned when there is nothing to deliver.
	ErrEmptyText = errors.New("message text cannot be empty")
)

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// Send delivers text from the page's sender to the recipient and returns the provider message id.
	Send(ctx context.Context, pageID, recipientID, text string) (string, error)

	// Stop releases resources; later sends fail with ErrServiceStopped.
	Stop() error
}
