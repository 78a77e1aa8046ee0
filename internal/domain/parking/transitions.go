package parking

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal session transition")

type Transition string

const (
	TransitionNewEntry       Transition = "entry_new"
	TransitionRepeatEntry    Transition = "entry_repeat"
	TransitionNormalExit     Transition = "exit_normal"
	TransitionExitOnlyNew    Transition = "exit_only_new"
	TransitionExitOnlyRepeat Transition = "exit_only_repeat"
)

// Lookup describes which sessions are currently open for a (lot, plate) key.
type Lookup struct {
	Entered  *Session
	ExitOnly *Session
}

//	direction | open entered | exit_only | transition
//	entry     | no           | any       | entry_new        (none -> entered)
//	entry     | yes          | any       | entry_repeat     (entered -> entered)
//	exit      | yes          | any       | exit_normal      (entered -> exited)
//	exit      | no           | no        | exit_only_new    (none -> exit_only)
//	exit      | no           | yes       | exit_only_repeat (exit_only -> exit_only)
func Decide(dir Direction, l Lookup) (Transition, error) {
	switch dir {
	case DirectionEntry:
		if l.Entered != nil {
			return TransitionRepeatEntry, nil
		}
		return TransitionNewEntry, nil
	case DirectionExit:
		if l.Entered != nil {
			return TransitionNormalExit, nil
		}
		if l.ExitOnly != nil {
			return TransitionExitOnlyRepeat, nil
		}
		return TransitionExitOnlyNew, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrIllegalTransition, dir)
}

// From returns the status the transition requires, or "" for a creation.
func (t Transition) From() Status {
	switch t {
	case TransitionRepeatEntry, TransitionNormalExit:
		return StatusEntered
	case TransitionExitOnlyRepeat:
		return StatusExitOnly
	}
	return ""
}

func (t Transition) To() Status {
	switch t {
	case TransitionNewEntry, TransitionRepeatEntry:
		return StatusEntered
	case TransitionNormalExit:
		return StatusExited
	case TransitionExitOnlyNew, TransitionExitOnlyRepeat:
		return StatusExitOnly
	}
	return ""
}

var allowed = map[Status][]Status{
	"":             {StatusEntered, StatusExitOnly},
	StatusEntered:  {StatusEntered, StatusExited},
	StatusExitOnly: {StatusExitOnly},
	StatusExited:   nil,
}

// CanTransition reports whether a session in status from may move to to.
// An empty from means the session does not exist yet.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply checks t against the current status of the session it targets.
func (t Transition) Apply(current Status) error {
	if current != t.From() || !CanTransition(current, t.To()) {
		return fmt.Errorf("%w: %s from %q", ErrIllegalTransition, t, current)
	}
	return nil
}

// Open reports whether a session with this status still accepts events.
func (s Status) Open() bool {
	return s == StatusEntered || s == StatusExitOnly
}

// CanAdvance reports whether payment status may move from p to next.
func (p PaymentStatus) CanAdvance(next PaymentStatus) bool {
	rank := func(s PaymentStatus) int {
		switch s {
		case PaymentPending:
			return 1
		case PaymentPaid:
			return 2
		}
		return 0
	}
	return rank(next) >= rank(p)
}
