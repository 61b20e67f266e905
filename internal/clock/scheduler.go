// Package clock schedules repeating and one-shot callbacks against an
// injectable time source. Every callback is scoped to a Token so a single
// Cancel releases all timers that belong to one entity.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Token is a cancellation token bound to one entity (a login session, an
// approval request). Tokens are never shared between entities.
type Token struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken derives a token from parent.
func NewToken(parent context.Context, id string) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Token{id: id, ctx: ctx, cancel: cancel}
}

func (t *Token) ID() string { return t.id }

// Context is cancelled together with the token. Remote calls made on behalf
// of the entity should use it.
func (t *Token) Context() context.Context { return t.ctx }

func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Cancel is idempotent.
func (t *Token) Cancel() { t.cancel() }

// Live reports whether the token has not been cancelled. Callbacks re-check
// it after every suspension point before touching shared state.
func (t *Token) Live() bool { return t.ctx.Err() == nil }

// Scheduler runs callbacks on goroutines it tracks so shutdown can wait for
// them.
type Scheduler struct {
	clock clockwork.Clock
	wg    sync.WaitGroup
}

func NewScheduler(c clockwork.Clock) *Scheduler {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Scheduler{clock: c}
}

func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Every invokes fn each interval until tok is cancelled. Invocations of one
// schedule are sequential: a slow fn delays the next tick instead of
// overlapping with it.
func (s *Scheduler) Every(tok *Token, interval time.Duration, fn func(*Token)) {
	if interval <= 0 || fn == nil {
		return
	}
	ticker := s.clock.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-tok.Done():
				return
			case <-ticker.Chan():
				if !tok.Live() {
					return
				}
				fn(tok)
			}
		}
	}()
}

// At invokes fn once at deadline unless tok is cancelled first. A deadline in
// the past fires immediately.
func (s *Scheduler) At(tok *Token, deadline time.Time, fn func(*Token)) {
	if fn == nil {
		return
	}
	delay := deadline.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	timer := s.clock.NewTimer(delay)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer timer.Stop()
		select {
		case <-tok.Done():
		case <-timer.Chan():
			if tok.Live() {
				fn(tok)
			}
		}
	}()
}

// Go runs fn once on a tracked goroutine. fn owns its own loop and is
// expected to return when tok is cancelled.
func (s *Scheduler) Go(tok *Token, fn func(*Token)) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if tok.Live() {
			fn(tok)
		}
	}()
}

// Wait blocks until every scheduled goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
