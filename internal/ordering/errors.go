package ordering

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("ordering: not found")
	// ErrValidation flags rejected input; nothing was written.
	ErrValidation = errors.New("ordering: validation failed")
	// ErrInvalidState indicates a transition not allowed from the current status.
	ErrInvalidState = errors.New("ordering: invalid state transition")
	// ErrForbidden is returned when the actor lacks the required membership.
	ErrForbidden = errors.New("ordering: forbidden")
	// ErrConflict signals a uniqueness violation in storage.
	ErrConflict = errors.New("ordering: conflict")
	// ErrConsistencyWarning is a policy gate the caller may override.
	ErrConsistencyWarning = errors.New("ordering: consistency warning")
)

// UnconfirmedError lists the articles whose lines still lack a validated quantity.
type UnconfirmedError struct {
	PeriodID   uuid.UUID
	ArticleIDs []uuid.UUID
}

func (e *UnconfirmedError) Error() string {
	ids := make([]string, 0, len(e.ArticleIDs))
	for _, id := range e.ArticleIDs {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("ordering: period %s has unconfirmed articles: %s", e.PeriodID, strings.Join(ids, ", "))
}

// Unwrap lets callers match ErrConsistencyWarning.
func (e *UnconfirmedError) Unwrap() error {
	return ErrConsistencyWarning
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
