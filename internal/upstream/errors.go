package upstream

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCounterID = errors.New("counter id is required")
	ErrUnknownAction  = errors.New("unknown counter action")
)

const (
	genericFetchMessage    = "failed to load counter queue"
	genericCountersMessage = "failed to load counters"
	genericActionMessage   = "counter action failed"
)

// FetchError describes a failed upstream read. Status is zero for transport
// and decode failures.
type FetchError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
