package quota

import (
	"errors"
	"fmt"
)

var (
	// ErrLimitExceeded matches every *LimitError with errors.Is.
	ErrLimitExceeded = errors.New("monthly email limit exceeded")

	// ErrNoSubscription is returned by a Store for organizations without a
	// subscription row. They are treated as free.
	ErrNoSubscription = errors.New("subscription not found")
)

// LimitError reports a rejected reservation.
type LimitError struct {
	Plan      string
	Current   int
	Limit     int
	Remaining int
	Requested int
	// Exceeded is true when the organization was already at or over its
	// limit before this request.
	Exceeded bool
}

func (e *LimitError) Error() string {
	if e.Exceeded {
		return fmt.Sprintf("Monthly email limit exceeded. You've sent %d of %d emails.", e.Current, e.Limit)
	}
	return fmt.Sprintf("Sending %d emails would exceed your monthly limit of %d. You have %d emails remaining.",
		e.Requested, e.Limit, e.Remaining)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }
