package tunnel

import "errors"

// error taxonomy for tunnel operations. the HTTP and websocket boundaries
// map these onto status codes and close codes.
var (
	// ErrRouteExists is returned when creating a route that is already taken.
	ErrRouteExists = errors.New("route already exists")

	// ErrInvalidRoute is returned when a route name fails validation.
	ErrInvalidRoute = errors.New("invalid route name")

	// ErrInvalidToken is returned on attach with an unknown or inactive token.
	ErrInvalidToken = errors.New("invalid token")

	// ErrRouteGone is returned on attach when the token's route was deleted
	// between validation and bind.
	ErrRouteGone = errors.New("route gone")

	// ErrNotConnected is returned on ingress to a route without an attached
	// connection.
	ErrNotConnected = errors.New("tunnel not connected")

	// ErrTimeout is returned when a pending request's deadline elapses.
	ErrTimeout = errors.New("tunnel timeout")

	// ErrDisconnected voids pending requests when their connection detaches
	// or the route is deleted.
	ErrDisconnected = errors.New("tunnel disconnected")

	// ErrSuperseded voids pending requests when a new connection replaces
	// the one they were written to.
	ErrSuperseded = errors.New("connection superseded")

	// ErrTransport is returned when a frame write fails.
	ErrTransport = errors.New("transport error")

	// ErrDuplicateCorrelation is returned on inserting a correlation id that
	// is already pending.
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")
)
