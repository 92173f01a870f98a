package hub

import (
	"errors"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/rides"
)

var (
	ErrForbidden    = errors.New("not allowed for this role")
	ErrBadRequest   = errors.New("malformed command")
	ErrUnknownEvent = errors.New("unknown event")
)

// ErrorPayload is the data of an outbound error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

var errorTable = []struct {
	err     error
	code    string
	message string
}{
	{dispatch.ErrNoDriversAvailable, "NO_RIDERS_FOUND", "No Riders Found"},
	{rides.ErrRideAlreadyTaken, "RIDE_ALREADY_TAKEN", "Ride already taken"},
	{rides.ErrOtpMismatch, "INVALID_OTP", "Invalid OTP"},
	{rides.ErrInvalidTransition, "INVALID_TRANSITION", "Action not allowed in current ride state"},
	{rides.ErrNotParticipant, "NOT_PARTICIPANT", "Not authorized for this ride"},
	{dispatch.ErrNotOffered, "NOT_OFFERED", "This ride was not offered to you"},
	{rides.ErrNotFound, "NOT_FOUND", "Ride not found"},
	{geo.ErrUnknownDriver, "LOCATION_REQUIRED", "Share your location before going on duty"},
	{fare.ErrInvalidVehicleClass, "INVALID_VEHICLE_CLASS", "Unknown vehicle class"},
	{ErrForbidden, "FORBIDDEN", "Not allowed for your role"},
	{ErrBadRequest, "BAD_REQUEST", "Malformed request"},
	{ErrUnknownEvent, "UNKNOWN_EVENT", "Unknown event"},
}

// ErrorPayloadFor maps an error to the message shown to the user. Anything
// unrecognised, persistence failures included, becomes a generic failure.
func ErrorPayloadFor(err error) ErrorPayload {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return ErrorPayload{Message: e.message, Code: e.code}
		}
	}
	return ErrorPayload{Message: "Something went wrong", Code: "INTERNAL"}
}
