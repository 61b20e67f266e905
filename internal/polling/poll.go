// Package polling repeatedly queries a remote status until it reaches a
// terminal value, the time budget runs out, or the caller cancels.
package polling

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// Synthetic statuses produced by the loop itself.
const (
	StatusTimeout   = "TIMEOUT"
	StatusCancelled = "CANCELLED"
)

var ErrInvalidConfig = errors.New("polling: interval and timeout must be positive")

// Status is any string-backed remote status value.
type Status interface {
	~string
}

// Attempt describes one completed fetch.
type Attempt[S Status] struct {
	N       int
	Status  S
	Err     error
	Elapsed time.Duration
}

type Config[S Status] struct {
	Interval time.Duration
	Timeout  time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// OnAttempt is called synchronously after every fetch, before the
	// terminal and budget checks.
	OnAttempt func(Attempt[S])
}

type Result[S Status] struct {
	Status   S
	Attempts int
	Elapsed  time.Duration
	// LastErr is the most recent fetch error, if any.
	LastErr error
}

func (r Result[S]) TimedOut() bool  { return string(r.Status) == StatusTimeout }
func (r Result[S]) Cancelled() bool { return string(r.Status) == StatusCancelled }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a fetch error that must abort the loop instead of being
// treated as a non-terminal result.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Poll fetches immediately, then every cfg.Interval, until isTerminal accepts
// a status. The budget is checked after each fresh fetch and before sleeping,
// so a terminal status observed on the last fetch always wins over TIMEOUT.
// Fetch errors are non-terminal unless wrapped with Permanent.
func Poll[S Status](ctx context.Context, cfg Config[S], fetch func(context.Context) (S, error), isTerminal func(S) bool) (Result[S], error) {
	if cfg.Interval <= 0 || cfg.Timeout <= 0 || fetch == nil || isTerminal == nil {
		return Result[S]{}, ErrInvalidConfig
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	start := clk.Now()
	var res Result[S]
	finish := func(status S) Result[S] {
		res.Status = status
		res.Elapsed = clk.Since(start)
		return res
	}

	for {
		if ctx.Err() != nil {
			return finish(S(StatusCancelled)), nil
		}

		status, err := fetch(ctx)
		res.Attempts++
		if ctx.Err() != nil {
			// The response of an in-flight fetch is dropped once cancelled.
			return finish(S(StatusCancelled)), nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			err = perm.err
		}
		if err != nil {
			res.LastErr = err
		}
		elapsed := clk.Since(start)
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(Attempt[S]{N: res.Attempts, Status: status, Err: err, Elapsed: elapsed})
		}
		if perm != nil {
			return finish(status), perm.err
		}
		if err == nil && isTerminal(status) {
			return finish(status), nil
		}
		if elapsed > cfg.Timeout {
			return finish(S(StatusTimeout)), nil
		}

		timer := clk.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(S(StatusCancelled)), nil
		case <-timer.Chan():
		}
	}
}
