package delivery

import "errors"

// ErrUnmatched is returned by a Store when no email carries the provider
// message id.
var ErrUnmatched = errors.New("no email for provider message id")
