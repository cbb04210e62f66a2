package domain

import "errors"

var (
	ErrNotRegistered          = errors.New("not registered")
	ErrNoActiveSession        = errors.New("no active session")
	ErrInvalidDestination     = errors.New("invalid destination")
	ErrInvalidTarget          = errors.New("invalid transfer target")
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrDeliveryFailed         = errors.New("delivery failed")
	ErrBackendUnavailable     = errors.New("backend unavailable")

	ErrInvalidState     = errors.New("operation not allowed in current call state")
	ErrOperationPending = errors.New("another call operation is pending")
	ErrNotLoggedIn      = errors.New("not logged in")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrNotRegistered, "not_registered"},
	{ErrNoActiveSession, "no_active_session"},
	{ErrInvalidDestination, "invalid_destination"},
	{ErrInvalidTarget, "invalid_target"},
	{ErrMediaAcquisitionFailed, "media_acquisition_failed"},
	{ErrDeliveryFailed, "delivery_failed"},
	{ErrBackendUnavailable, "backend_unavailable"},
	{ErrInvalidState, "invalid_state"},
	{ErrOperationPending, "operation_pending"},
	{ErrNotLoggedIn, "not_logged_in"},
}

// Reason maps an operation error to the short reason string shown to the user.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal_error"
}
