// Package ops carries the error type for multi-step store operations.
// The store offers no multi-path atomicity, so a sequence of writes can
// fail partway; StepError records how far it got.
package ops

import "fmt"

// StepError wraps a failure of one named step of a write sequence.
// Steps before it committed; steps after it never ran.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Step wraps err with its step name, or returns nil.
func Step(name string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: name, Err: err}
}
