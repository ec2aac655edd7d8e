package asl

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a referenced patient, prescriber or prescription
// does not exist. Wrap with context, test with errors.Is.
var ErrNotFound = errors.New("record not found")

// StateConflictError reports a consent transition that is not legal from
// the patient's current status. The persisted state is left unchanged.
type StateConflictError struct {
	Op      string
	Current Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s - current status is %s", e.Op, e.Current.DisplayName())
}

// IsStateConflict reports whether err is a consent state conflict
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}
