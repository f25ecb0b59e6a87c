// Package scheduler runs the per-source reconciliation loops.
//
// Each Loop runs its cycles one after another in a single goroutine, so a
// cycle never overlaps the next one for the same source. A failing cycle
// backs the loop off exponentially up to MaxBackoff; a panic is recovered and
// treated as a failure.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowsync/internal/metrics"
)

// Option configures a Loop.
type Option func(*Loop)

// WithTimeout bounds every cycle. Zero means the cycle inherits the loop context.
func WithTimeout(d time.Duration) Option {
	return func(l *Loop) { l.timeout = d }
}

// WithMaxBackoff caps the delay after consecutive failures.
func WithMaxBackoff(d time.Duration) Option {
	return func(l *Loop) { l.maxBackoff = d }
}

// Loop periodically runs one cycle function for one payment source.
type Loop struct {
	name       string
	source     string
	interval   time.Duration
	timeout    time.Duration
	maxBackoff time.Duration
	run        func(ctx context.Context) error
	logger     *slog.Logger
	stop       chan struct{}

	running     atomic.Bool
	failures    atomic.Int64
	lastSuccess atomic.Int64 // unix nanos
}

// NewLoop creates a loop named name (observer, executor) for source.
func NewLoop(name, source string, interval time.Duration, run func(ctx context.Context) error, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		name:       name,
		source:     source,
		interval:   interval,
		maxBackoff: 10 * interval,
		run:        run,
		logger:     logger.With("loop", name, "source", source),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.maxBackoff < l.interval {
		l.maxBackoff = l.interval
	}
	return l
}

// Name returns "<loop>/<source>".
func (l *Loop) Name() string { return l.name + "/" + l.source }

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool { return l.running.Load() }

// Failures returns the number of consecutive failed cycles.
func (l *Loop) Failures() int64 { return l.failures.Load() }

// LastSuccess returns when a cycle last completed without error.
func (l *Loop) LastSuccess() time.Time {
	n := l.lastSuccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start runs cycles until ctx is done or Stop is called. The first cycle
// runs immediately. Call in a goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-timer.C:
			err := l.safeRun(ctx)
			timer.Reset(l.next(err))
		}
	}
}

// Stop signals the loop to stop.
func (l *Loop) Stop() {
	select {
	case l.stop <- struct{}{}:
	default:
	}
}

// RunOnce runs a single cycle synchronously.
func (l *Loop) RunOnce(ctx context.Context) error {
	return l.safeRun(ctx)
}

func (l *Loop) safeRun(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in reconciliation loop", "panic", fmt.Sprint(r))
			err = fmt.Errorf("scheduler: %s panicked: %v", l.Name(), r)
		}
		metrics.ObserveCycle(l.source, l.name, start)
	}()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := l.run(ctx); err != nil {
		l.logger.Warn("reconciliation cycle failed", "error", err, "failures", l.failures.Load()+1)
		return err
	}
	return nil
}

func (l *Loop) next(err error) time.Duration {
	if err == nil {
		l.failures.Store(0)
		l.lastSuccess.Store(time.Now().UnixNano())
		return l.interval
	}
	return backoff(l.interval, l.maxBackoff, l.failures.Add(1))
}

// backoff doubles interval for every consecutive failure, capped at ceiling.
func backoff(interval, ceiling time.Duration, failures int64) time.Duration {
	d := interval
	for i := int64(0); i < failures; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

// Group starts and tracks a set of loops.
type Group struct {
	mu    sync.Mutex
	loops []*Loop
	wg    sync.WaitGroup
}

// Add registers a loop. Loops added after Start are not started.
func (g *Group) Add(l *Loop) {
	g.mu.Lock()
	g.loops = append(g.loops, l)
	g.mu.Unlock()
}

// Loops returns the registered loops.
func (g *Group) Loops() []*Loop {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Loop(nil), g.loops...)
}

// Start launches every loop in its own goroutine.
func (g *Group) Start(ctx context.Context) {
	for _, l := range g.Loops() {
		g.wg.Add(1)
		go func(l *Loop) {
			defer g.wg.Done()
			l.Start(ctx)
		}(l)
	}
}

// Stop signals every loop to stop.
func (g *Group) Stop() {
	for _, l := range g.Loops() {
		l.Stop()
	}
}

// Wait blocks until every started loop has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Stalled lists loops that are not running.
func (g *Group) Stalled() []string {
	var out []string
	for _, l := range g.Loops() {
		if !l.Running() {
			out = append(out, l.Name())
		}
	}
	return out
}
