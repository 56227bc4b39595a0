package mae

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned from Attach when the NIC carries
	// no match-action engine.
	ErrNotSupported = errors.New("mae: match-action engine not supported")

	// ErrNotStarted is returned when an operation needs a started
	// adapter, e.g. rule class comparison against active rules.
	ErrNotStarted = errors.New("mae: adapter not started")

	ErrNoCounters = errors.New("mae: flow rule has no count actions")
)

// ItemError reports a defect in one pattern item. Index is the item's
// position in the caller's list.
type ItemError struct {
	Index int
	Type  ItemType
	Err   error
}

func (self *ItemError) Error() string {
	return fmt.Sprintf("mae: pattern item %d (%v): %v", self.Index, self.Type, self.Err)
}

func (self *ItemError) Unwrap() error { return self.Err }

func itemErr(index int, typ ItemType, format string, args ...interface{}) error {
	return &ItemError{Index: index, Type: typ, Err: fmt.Errorf(format, args...)}
}

// ActionError reports a defect in one action of the action list.
type ActionError struct {
	Index int
	Type  ActionType
	Err   error
}

func (self *ActionError) Error() string {
	return fmt.Sprintf("mae: action %d (%v): %v", self.Index, self.Type, self.Err)
}

func (self *ActionError) Unwrap() error { return self.Err }

func actionErr(index int, typ ActionType, format string, args ...interface{}) error {
	return &ActionError{Index: index, Type: typ, Err: fmt.Errorf(format, args...)}
}
