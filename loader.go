package floodmap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// A LoaderState is the state of a Loader.
type LoaderState int

const (
	LoaderIdle LoaderState = iota
	LoaderLoading
	LoaderRetrying
	LoaderReady
	LoaderFailed
)

func (s LoaderState) String() string {
	switch s {
	case LoaderIdle:
		return "idle"
	case LoaderLoading:
		return "loading"
	case LoaderRetrying:
		return "retrying"
	case LoaderReady:
		return "ready"
	case LoaderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// A LoadFunc performs one load attempt.
type LoadFunc func(ctx context.Context) error

// A Loader runs a LoadFunc, rescheduling it while a precondition is unmet or
// after it fails. Starting a new load or calling Cancel stops any pending
// attempt, so no attempt runs after its run has been superseded.
type Loader struct {
	mutex               sync.Mutex
	clock               clockwork.Clock
	precondition        func() bool
	preconditionBackoff time.Duration
	errorBackoff        time.Duration
	maxAttempts         int
	logger              *slog.Logger

	state      LoaderState
	generation uint64
	attempts   int
	err        error
	cancel     context.CancelFunc
	timer      clockwork.Timer
}

// A LoaderOption sets an option on a Loader.
type LoaderOption func(*Loader)

// NewLoader returns a new Loader.
func NewLoader(options ...LoaderOption) *Loader {
	l := &Loader{
		clock:               clockwork.NewRealClock(),
		preconditionBackoff: 200 * time.Millisecond,
		errorBackoff:        time.Second,
		maxAttempts:         5,
		logger:              slog.Default(),
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// WithLoaderClock sets the clock used for backoff timers.
func WithLoaderClock(clock clockwork.Clock) LoaderOption {
	return func(l *Loader) {
		l.clock = clock
	}
}

// WithLoaderPrecondition sets a precondition that must hold before each
// attempt.
func WithLoaderPrecondition(precondition func() bool) LoaderOption {
	return func(l *Loader) {
		l.precondition = precondition
	}
}

// WithLoaderBackoff sets the delays before re-checking an unmet
// precondition and before retrying a failed attempt.
func WithLoaderBackoff(preconditionBackoff, errorBackoff time.Duration) LoaderOption {
	return func(l *Loader) {
		l.preconditionBackoff = preconditionBackoff
		l.errorBackoff = errorBackoff
	}
}

// WithLoaderMaxAttempts sets the number of failed attempts after which the
// Loader gives up. Zero means never give up.
func WithLoaderMaxAttempts(maxAttempts int) LoaderOption {
	return func(l *Loader) {
		l.maxAttempts = maxAttempts
	}
}

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Start cancels any current run and starts running load.
func (l *Loader) Start(ctx context.Context, load LoadFunc) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.stopLocked()
	l.generation++
	l.state = LoaderLoading
	l.attempts = 0
	l.err = nil
	var runCtx context.Context
	runCtx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))
	generation := l.generation
	go l.attempt(runCtx, generation, load)
}

// Cancel stops the current run and any pending retry and returns l to idle.
func (l *Loader) Cancel() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.stopLocked()
	l.generation++
	l.state = LoaderIdle
	l.attempts = 0
	l.err = nil
}

// State returns l's state and the error of the last failed attempt.
func (l *Loader) State() (LoaderState, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.state, l.err
}

// Attempts returns the number of failed attempts in the current run.
func (l *Loader) Attempts() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.attempts
}

func (l *Loader) stopLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// scheduleLocked schedules the next attempt of generation after delay.
func (l *Loader) scheduleLocked(ctx context.Context, generation uint64, load LoadFunc, delay time.Duration) {
	l.state = LoaderRetrying
	l.timer = l.clock.AfterFunc(delay, func() {
		l.attempt(ctx, generation, load)
	})
}

func (l *Loader) attempt(ctx context.Context, generation uint64, load LoadFunc) {
	l.mutex.Lock()
	if generation != l.generation {
		l.mutex.Unlock()
		return
	}
	l.timer = nil
	if l.precondition != nil && !l.precondition() {
		l.scheduleLocked(ctx, generation, load, l.preconditionBackoff)
		l.mutex.Unlock()
		return
	}
	l.state = LoaderLoading
	l.mutex.Unlock()

	err := load(ctx)

	l.mutex.Lock()
	defer l.mutex.Unlock()
	if generation != l.generation {
		return
	}
	switch {
	case err == nil:
		l.state = LoaderReady
		l.err = nil
		if l.cancel != nil {
			l.cancel()
			l.cancel = nil
		}
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Canceled by Start or Cancel, which already advanced the generation.
	default:
		l.attempts++
		l.err = err
		if l.maxAttempts > 0 && l.attempts >= l.maxAttempts {
			l.state = LoaderFailed
			l.logger.WarnContext(ctx, "load failed", "attempts", l.attempts, "error", err)
			if l.cancel != nil {
				l.cancel()
				l.cancel = nil
			}
			return
		}
		l.logger.DebugContext(ctx, "load failed, retrying", "attempts", l.attempts, "backoff", l.errorBackoff, "error", err)
		l.scheduleLocked(ctx, generation, load, l.errorBackoff)
	}
}
