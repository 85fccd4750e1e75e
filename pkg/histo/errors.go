package histo

import "errors"

var (
	// ErrNonMonotonicRound indicates a rounding produced decreasing output
	// for sorted input. This is a contract violation of the supplied
	// rounding, not a data error, and aborts the execution.
	ErrNonMonotonicRound = errors.New("rounding produced non-monotonic output for sorted values")
	// ErrLadderExhausted indicates escalation was requested at the coarsest
	// level. Callers must check the level index first.
	ErrLadderExhausted = errors.New("escalation requested at the coarsest rounding level")
	// ErrClosed indicates an operation on a closed aggregator.
	ErrClosed = errors.New("aggregator is closed")
	// ErrNotReplayed indicates results were requested while deferred
	// assignments are still buffered.
	ErrNotReplayed = errors.New("deferred assignments not replayed")
	// ErrReplayDone indicates a second replay or recording after replay.
	ErrReplayDone = errors.New("replay phase already ran")
	// ErrBudgetExceeded indicates the memory budget could not cover deferred
	// buffering or result assembly.
	ErrBudgetExceeded = errors.New("memory budget exceeded")
)
