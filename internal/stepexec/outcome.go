// Package stepexec dispatches one step by action kind and returns an
// outcome sum type — DurableSleep and WaitingForSignal are modeled as
// successful, non-error return values rather than thrown control flow, so
// only true failures travel the error channel.
package stepexec

import "fmt"

// OutcomeKind tags the variant of a step's result.
type OutcomeKind string

const (
	OutcomeCompleted        OutcomeKind = "completed"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeRetryable        OutcomeKind = "retryable"
	OutcomeSleeping         OutcomeKind = "sleeping"
	OutcomeWaitingForSignal OutcomeKind = "waiting_for_signal"
)

// Outcome is the result of dispatching one step.
type Outcome struct {
	Kind   OutcomeKind
	Output any
	Err    error

	// Sleeping
	WakeAtEpochMs int64

	// WaitingForSignal
	SignalName       string
	WaitStartedAtMs  int64
	TimeoutAtEpochMs *int64
}

// Completed builds a successful outcome.
func Completed(output any) Outcome {
	return Outcome{Kind: OutcomeCompleted, Output: output}
}

// Failed builds a fatal outcome.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// Retryable builds a transport-retryable outcome.
func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

// Sleeping builds a durable-sleep suspension outcome.
func Sleeping(wakeAtEpochMs int64) Outcome {
	return Outcome{Kind: OutcomeSleeping, WakeAtEpochMs: wakeAtEpochMs}
}

// WaitingForSignal builds a signal-wait suspension outcome.
func WaitingForSignal(signalName string, waitStartedAtMs int64, timeoutAtEpochMs *int64) Outcome {
	return Outcome{
		Kind:             OutcomeWaitingForSignal,
		SignalName:       signalName,
		WaitStartedAtMs:  waitStartedAtMs,
		TimeoutAtEpochMs: timeoutAtEpochMs,
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeCompleted:
		return fmt.Sprintf("completed(output=%v)", o.Output)
	case OutcomeFailed:
		return fmt.Sprintf("failed(%v)", o.Err)
	case OutcomeRetryable:
		return fmt.Sprintf("retryable(%v)", o.Err)
	case OutcomeSleeping:
		return fmt.Sprintf("sleeping(wakeAt=%d)", o.WakeAtEpochMs)
	case OutcomeWaitingForSignal:
		return fmt.Sprintf("waitingForSignal(%s)", o.SignalName)
	default:
		return string(o.Kind)
	}
}
