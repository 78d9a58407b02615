package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrKindUnknown indicates an event kind outside the supported set.
	ErrKindUnknown = errors.New("unknown event kind")

	// ErrStatusInvalid indicates a status string outside the outbox lifecycle.
	ErrStatusInvalid = errors.New("invalid event status")

	// ErrTenantRequired indicates an event without a tenant identifier.
	ErrTenantRequired = errors.New("tenant id is required")

	// ErrDedupeKeyRequired indicates an event without a deduplication key.
	ErrDedupeKeyRequired = errors.New("dedupe key is required")

	// ErrPayloadRequired indicates an event without a payload.
	ErrPayloadRequired = errors.New("payload is required")

	// ErrPayloadNotJSON indicates a payload that is not valid JSON.
	ErrPayloadNotJSON = errors.New("payload must be valid JSON")

	// ErrPayloadTooLarge indicates a payload above MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrEventNotFound indicates the requested event does not exist.
	ErrEventNotFound = errors.New("outbox event not found")

	// ErrNotDead indicates a replay attempt on an event that is not dead.
	ErrNotDead = errors.New("event is not dead")

	// ErrStoreRequired indicates a component built without a store.
	ErrStoreRequired = errors.New("outbox store is required")

	// ErrDelivererRegistered indicates a duplicate deliverer registration.
	ErrDelivererRegistered = errors.New("deliverer already registered for kind")

	// ErrNoDeliverer indicates no deliverer is registered for a kind.
	ErrNoDeliverer = errors.New("no deliverer registered for kind")

	// ErrProcessorRunning indicates Run was called on a processor whose
	// loop is already active.
	ErrProcessorRunning = errors.New("processor is already running")
)

// DeliveryError wraps a deliverer failure and records whether the failure is
// permanent. Permanent failures dead-letter the event immediately instead of
// consuming further attempts.
type DeliveryError struct {
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent delivery failure: %v", e.Err)
	}

	return fmt.Sprintf("delivery failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewPermanentDeliveryError marks err as a failure that retrying cannot fix.
func NewPermanentDeliveryError(err error) *DeliveryError {
	return &DeliveryError{Permanent: true, Err: err}
}

// NewTransientDeliveryError marks err as a failure worth retrying.
func NewTransientDeliveryError(err error) *DeliveryError {
	return &DeliveryError{Err: err}
}

// IsPermanentDelivery reports whether err carries a permanent delivery failure.
func IsPermanentDelivery(err error) bool {
	var deliveryErr *DeliveryError

	return errors.As(err, &deliveryErr) && deliveryErr.Permanent
}
