package engine

import (
	"errors"
	"fmt"
	"strings"

	"flowline/internal/stage"
)

// ErrClaimConflict is returned when an item already carries an active claim
// by another worker.
var ErrClaimConflict = errors.New("item already claimed")

// InvalidTransitionError reports a move the transition table forbids.
type InvalidTransitionError struct {
	From stage.Stage
	To   stage.Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// WIPLimitError reports a move into a stage at capacity.
type WIPLimitError struct {
	Stage   stage.Stage
	Limit   int
	Current int
}

func (e *WIPLimitError) Error() string {
	return fmt.Sprintf("stage %s at WIP limit (%d of %d)", e.Stage, e.Current, e.Limit)
}

// NotReadyError reports a move into a working stage while direct
// dependencies are still unfinished.
type NotReadyError struct {
	ItemID   string
	Blocking []string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("item %s not ready: waiting on %s", e.ItemID, strings.Join(e.Blocking, ", "))
}

// ValidationError marks caller input the engine rejects synchronously.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
