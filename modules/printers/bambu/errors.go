package bambu

import "errors"

var (
	// ErrUnavailable is returned when a command cannot be handed to the
	// transport, usually because the session is not connected.
	ErrUnavailable = errors.New("printer session unavailable")

	// ErrTimeout is returned when the printer does not ack a command
	// within the caller's deadline.
	ErrTimeout = errors.New("timed out waiting for printer response")

	// ErrDisconnected is returned when the connection drops while a
	// command is waiting for its ack.
	ErrDisconnected = errors.New("printer disconnected while awaiting response")
)
