package model

import (
	"errors"
	"fmt"
)

// Error kinds for contract violations. Transport layers map these to status
// codes with errors.Is; everything else is 500 Internal. Filtering and
// crediting decisions (dup, min_lap, not_racing, ...) are pass outcomes, not
// errors.
var (
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrNoSession         = errors.New("no session loaded")
)

// ConflictError names the entrant holding the colliding tag.
type ConflictError struct {
	Tag       string
	HolderID  int64
	HolderNum string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tag %q already assigned to enabled entrant %d (%s)", e.Tag, e.HolderID, e.HolderNum)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransitionError carries the phase an illegal SetFlag was attempted in.
type TransitionError struct {
	Phase Phase
	Flag  Flag
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("flag %s not accepted in phase %s", e.Flag, e.Phase)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
