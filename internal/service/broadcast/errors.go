package broadcast

import "errors"

// Sentinel errors for the broadcast service layer.
var (
	ErrNotFound          = errors.New("broadcast not found")
	ErrAlreadySending    = errors.New("broadcast is already sending")
	ErrAlreadySent       = errors.New("broadcast has already been sent")
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrNoAudience     = errors.New("broadcast has no audience selected")
	ErrNoContent      = errors.New("broadcast has no content")
	ErrNoSubscribers  = errors.New("no subscribed contacts in audience")
	ErrScheduleInPast = errors.New("scheduled_at must be in the future")
)

// IsStateConflict reports whether err means the broadcast is not in a state
// that allows the requested operation.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrAlreadySending) || errors.Is(err, ErrAlreadySent) || errors.Is(err, ErrInvalidTransition)
}

// IsValidation reports whether err means the broadcast itself cannot be sent
// as configured.
func IsValidation(err error) bool {
	return errors.Is(err, ErrNoAudience) || errors.Is(err, ErrNoContent) ||
		errors.Is(err, ErrNoSubscribers) || errors.Is(err, ErrScheduleInPast)
}
