// Package statemachine decides which order status changes are legal.
// It performs no I/O.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/lifebank/services/orders/internal/domain"
)

var (
	// ErrTransitionRejected is matched by every TransitionRejectedError
	ErrTransitionRejected = errors.New("transition rejected")

	// ErrEmptyReplay is returned when replaying an empty status sequence
	ErrEmptyReplay = errors.New("cannot replay an empty status sequence")
)

// transitions is the complete set of legal edges. Terminal statuses have no entry.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusPending:    {domain.StatusConfirmed, domain.StatusCancelled},
	domain.StatusConfirmed:  {domain.StatusDispatched, domain.StatusCancelled},
	domain.StatusDispatched: {domain.StatusInTransit, domain.StatusCancelled},
	domain.StatusInTransit:  {domain.StatusDelivered, domain.StatusCancelled},
}

// TransitionRejectedError carries the attempted edge and every legal alternative
type TransitionRejectedError struct {
	From    domain.Status
	To      domain.Status
	Allowed []domain.Status
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s (allowed: %v)", e.From, e.To, e.Allowed)
}

// Is lets errors.Is match against ErrTransitionRejected
func (e *TransitionRejectedError) Is(target error) bool {
	return target == ErrTransitionRejected
}

// AllowedTransitions returns the statuses reachable from status in one step.
// The result is a fresh slice, empty for terminal statuses.
func AllowedTransitions(status domain.Status) []domain.Status {
	next := transitions[status]
	out := make([]domain.Status, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether status is a known status that no transition leaves
func IsTerminal(status domain.Status) bool {
	return status.Valid() && len(transitions[status]) == 0
}

// Transition validates current -> next and returns next when legal
func Transition(current, next domain.Status) (domain.Status, error) {
	for _, s := range transitions[current] {
		if s == next {
			return next, nil
		}
	}
	return "", &TransitionRejectedError{
		From:    current,
		To:      next,
		Allowed: AllowedTransitions(current),
	}
}

// Replay returns the status a sequence ends in. Edges between consecutive
// entries are not re-validated.
func Replay(statuses []domain.Status) (domain.Status, error) {
	if len(statuses) == 0 {
		return "", ErrEmptyReplay
	}
	return statuses[len(statuses)-1], nil
}
