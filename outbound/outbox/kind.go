package outbox

import "fmt"

// Kind discriminates which deliverer handles an event.
//
// The set is closed: new kinds are added here together with a deliverer
// registration in the composition root. Rows written by older code versions
// may still carry an unknown kind at runtime; the processor dead-letters
// those immediately as configuration failures.
type Kind string

const (
	KindEmail   Kind = "email"
	KindWebhook Kind = "webhook"
	KindExport  Kind = "export"
)

// Kinds returns every valid kind, in stable order.
func Kinds() []Kind {
	return []Kind{KindEmail, KindWebhook, KindExport}
}

// ParseKind validates and converts a raw string kind.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(raw)

	if !kind.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrKindUnknown, raw)
	}

	return kind, nil
}

// IsValid reports whether the kind belongs to the closed set.
func (kind Kind) IsValid() bool {
	switch kind {
	case KindEmail, KindWebhook, KindExport:
		return true
	default:
		return false
	}
}

func (kind Kind) String() string {
	return string(kind)
}
