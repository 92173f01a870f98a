package rides

import "errors"

var (
	ErrNotFound          = errors.New("ride not found")
	ErrRideAlreadyTaken  = errors.New("ride already taken")
	ErrInvalidTransition = errors.New("action not allowed in current ride state")
	ErrOtpMismatch       = errors.New("invalid otp")
	ErrNotParticipant    = errors.New("not a participant of this ride")
	ErrUnavailable       = errors.New("ride store unavailable")
	ErrActiveRide        = errors.New("customer already has an active ride")
)
