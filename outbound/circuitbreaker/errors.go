package circuitbreaker

import "errors"

var (
	// ErrOpen is returned when a call is rejected without invoking the
	// underlying operation, either because the breaker is open or because
	// the half-open trial quota is exhausted.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrNameRequired is returned when a breaker is requested with an empty
	// dependency name.
	ErrNameRequired = errors.New("dependency name is required")

	// ErrOperationRequired is returned when Do is called with a nil operation.
	ErrOperationRequired = errors.New("operation is required")
)
