package session

import (
	"errors"
	"fmt"
	"slices"
)

// Status is the authentication status of the current session.
type Status int

const (
	Loading Status = iota
	SignedIn
	SignedOut
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case SignedIn:
		return "signed_in"
	case SignedOut:
		return "signed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is what subscribers observe. UserID is set only when SignedIn.
type State struct {
	Status Status
	UserID string
}

// ErrIllegalTransition is returned for status changes outside the
// Loading -> {SignedIn, SignedOut}, SignedIn <-> SignedOut graph.
var ErrIllegalTransition = errors.New("illegal session transition")

var legalTransitions = map[Status][]Status{
	Loading:   {SignedIn, SignedOut},
	SignedIn:  {SignedOut},
	SignedOut: {SignedIn},
}

// CanTransition reports whether from -> to is a legal transition.
// Staying in the same status is an update, not a transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return slices.Contains(legalTransitions[from], to)
}
