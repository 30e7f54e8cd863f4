package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jholhewres/gman/pkg/gman/command"
	"github.com/jholhewres/gman/pkg/gman/fetch"
	"github.com/jholhewres/gman/pkg/gman/sandbox"
)

// Stage is a step of the per-invocation state machine.
type Stage int

const (
	StageIdle Stage = iota
	StageFetching
	StageSynthesizing
	StageExecuting
	StageDelivering
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFetching:
		return "fetching"
	case StageSynthesizing:
		return "synthesizing"
	case StageExecuting:
		return "executing"
	case StageDelivering:
		return "delivering"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Kind classifies how an invocation ended.
type Kind int

const (
	KindOK Kind = iota
	KindValidation
	KindFetch
	KindExecution
	KindTimeout
	KindCanceled
	KindRateLimited
	KindDelivery
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindValidation:
		return "validation"
	case KindFetch:
		return "fetch"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindRateLimited:
		return "rate_limited"
	case KindDelivery:
		return "delivery"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrRateLimited is returned when a caller exceeds its request budget.
var ErrRateLimited = errors.New("rate limited")

// ExecutionError reports a tool that exited with a non-zero status.
type ExecutionError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
}

// InternalError wraps faults that are not the caller's doing, including
// recovered panics.
type InternalError struct {
	Stage Stage
	Err   error
	Panic any
	Stack []byte
}

func (e *InternalError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("internal error while %s: panic: %v", e.Stage, e.Panic)
	}
	return fmt.Sprintf("internal error while %s: %v", e.Stage, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// DeliveryError reports a reply that could not be sent.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string { return "delivering result: " + e.Err.Error() }

func (e *DeliveryError) Unwrap() error { return e.Err }

// Classify maps an invocation error to its Kind. ctx is the invocation
// context; once it is done, its cause wins over whatever error the stage
// produced while being torn down.
func Classify(ctx context.Context, err error) Kind {
	if err == nil {
		return KindOK
	}
	if ctx != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return KindTimeout
		case context.Canceled:
			return KindCanceled
		}
	}

	var (
		verr *command.ValidationError
		ferr *fetch.Error
		eerr *ExecutionError
		derr *DeliveryError
	)
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.As(err, &verr):
		return KindValidation
	case errors.Is(err, sandbox.ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &eerr):
		return KindExecution
	case errors.As(err, &ferr):
		return KindFetch
	case errors.As(err, &derr):
		return KindDelivery
	default:
		return KindInternal
	}
}
