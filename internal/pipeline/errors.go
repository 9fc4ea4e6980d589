package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure as seen by the caller.
type Kind int

const (
	KindUpstreamTimeout Kind = iota + 1
	KindUpstreamFailure
	KindMalformedInput
	KindCancelled
)

var (
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrMalformedInput  = errors.New("malformed input")
	ErrCancelled       = errors.New("cancelled")
)

func (k Kind) String() string {
	switch k {
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamFailure:
		return "upstream_failure"
	case KindMalformedInput:
		return "malformed_input"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindUpstreamTimeout:
		return ErrUpstreamTimeout
	case KindUpstreamFailure:
		return ErrUpstreamFailure
	case KindMalformedInput:
		return ErrMalformedInput
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Error is the terminal error of a run. It matches its kind's sentinel with
// errors.Is and also unwraps to the underlying cause.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeline %s during %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("pipeline %s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of err, or 0 when err did not come from a run.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// Causes attached to per-call deadlines so an expired call can be told apart
// from a cancelled run.
var (
	errCompletionDeadline = errors.New("completion call deadline exceeded")
	errSynthesisDeadline  = errors.New("synthesis call deadline exceeded")
)

// classify maps a remote call failure onto a pipeline error. runCtx is the
// run's context and callCtx the context of the failing call.
func classify(runCtx, callCtx context.Context, stage Stage, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if runCtx.Err() != nil {
		return &Error{Kind: KindCancelled, Stage: stage, Err: context.Cause(runCtx)}
	}
	if callCtx != nil {
		if cause := context.Cause(callCtx); errors.Is(cause, errCompletionDeadline) || errors.Is(cause, errSynthesisDeadline) {
			return &Error{Kind: KindUpstreamTimeout, Stage: stage, Err: cause}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUpstreamTimeout, Stage: stage, Err: err}
	}
	return &Error{Kind: KindUpstreamFailure, Stage: stage, Err: err}
}
