package outbox

import "time"

type dispositionCode string

const (
	dispositionSent  dispositionCode = "sent"
	dispositionRetry dispositionCode = "retry"
	dispositionDead  dispositionCode = "dead"
)

// disposition is the decided outcome of one delivery attempt. The processor
// computes it first and persists it second, so the decision logic stays
// separate from state-update error handling.
type disposition struct {
	code          dispositionCode
	attempts      int
	nextAttemptAt time.Time
	reason        string
}
