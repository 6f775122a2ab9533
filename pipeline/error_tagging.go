package pipeline

import (
	"errors"
	"fmt"
)

// TaskMetaError exposes correlation metadata for an element that failed
// processing: the zero-based position it was pulled from the source
// channel in.
type TaskMetaError interface {
	error
	Unwrap() error
	TaskIndex() int
}

type taskTaggedError struct {
	err   error
	index int
}

func newTaskTaggedError(err error, index int) error {
	if err == nil {
		return nil
	}
	return &taskTaggedError{err: err, index: index}
}

func (e *taskTaggedError) Error() string  { return e.err.Error() }
func (e *taskTaggedError) Unwrap() error  { return e.err }
func (e *taskTaggedError) TaskIndex() int { return e.index }

func (e *taskTaggedError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "task(index=%d): %+v", e.index, e.err)
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// ExtractTaskIndex returns the index of the element that produced err, if
// err (or something it wraps) was tagged by the pipeline.
func ExtractTaskIndex(err error) (int, bool) {
	var tme TaskMetaError
	if errors.As(err, &tme) {
		return tme.TaskIndex(), true
	}
	return 0, false
}
