// Package supervisor owns actor lifecycles: it starts children in order,
// restarts failed ones under a bounded restart policy, escalates when the
// budget is exhausted and stops children in an explicit order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/ledgerd/internal/actor"
	"github.com/roach88/ledgerd/internal/metrics"
)

// ErrFatal marks an internal invariant violation. Any error returned by a
// child causes a restart; fatal ones are logged as such.
var ErrFatal = errors.New("fatal")

// Fatal wraps err as an invariant violation.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err was wrapped by Fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Policy bounds restarts of one child: more than MaxRestarts failures
// within Window escalate. Backoff is the pause before each restart.
type Policy struct {
	MaxRestarts int           `yaml:"max_restarts" json:"max_restarts"`
	Window      time.Duration `yaml:"window" json:"window"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff"`
}

// RunFunc is a child's main loop. It returns when ctx is done or on
// failure.
type RunFunc func(ctx context.Context) error

type child struct {
	name   string
	run    RunFunc
	policy Policy
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs a fixed set of children.
type Supervisor struct {
	children   []*child
	stopOrder  []string
	onEscalate func(name string, err error)
	metrics    *metrics.Metrics
	log        *slog.Logger

	mu     sync.Mutex
	states map[string]actor.State
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithEscalation sets the callback invoked when a child exhausts its
// restart budget.
func WithEscalation(fn func(name string, err error)) Option {
	return func(s *Supervisor) { s.onEscalate = fn }
}

// WithStopOrder sets the order children are stopped in. Children not
// listed stop afterwards in reverse start order.
func WithStopOrder(names ...string) Option {
	return func(s *Supervisor) { s.stopOrder = names }
}

// New creates a supervisor with no children.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		states: make(map[string]actor.State),
		log:    slog.Default().With("actor", "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.OrNop(s.metrics)
	return s
}

// Add registers a child. Children start in the order they are added.
func (s *Supervisor) Add(name string, run RunFunc, policy Policy) {
	s.children = append(s.children, &child{name: name, run: run, policy: policy})
	s.setState(name, actor.StateStopped)
}

// States returns the current lifecycle state of every child.
func (s *Supervisor) States() map[string]actor.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.states)
}

// State returns the lifecycle state of one child.
func (s *Supervisor) State(name string) actor.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[name]
}

func (s *Supervisor) setState(name string, st actor.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = st
}

// Run starts every child and blocks until ctx is done, then stops the
// children in stop order, waiting for each to return before the next.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, c := range s.children {
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.cancel = cancel
		c.done = make(chan struct{})
		go s.supervise(cctx, c)
	}
	s.log.Info("children started", "count", len(s.children))

	<-ctx.Done()
	s.Shutdown()
	return nil
}

// Shutdown stops every child in stop order.
func (s *Supervisor) Shutdown() {
	for _, c := range s.shutdownOrder() {
		if c.cancel == nil {
			continue
		}
		s.log.Debug("stopping child", "child", c.name)
		c.cancel()
		<-c.done
	}
	s.log.Info("children stopped")
}

func (s *Supervisor) shutdownOrder() []*child {
	byName := make(map[string]*child, len(s.children))
	for _, c := range s.children {
		byName[c.name] = c
	}
	var out []*child
	for _, name := range s.stopOrder {
		if c, ok := byName[name]; ok {
			out = append(out, c)
			delete(byName, name)
		}
	}
	for _, c := range slices.Backward(s.children) {
		if _, ok := byName[c.name]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Supervisor) supervise(ctx context.Context, c *child) {
	defer close(c.done)
	log := s.log.With("child", c.name)
	var failures []time.Time

	for {
		s.setState(c.name, actor.StateStarting)
		s.setState(c.name, actor.StateRunning)
		err := runSafely(ctx, c.run)

		if ctx.Err() != nil {
			s.setState(c.name, actor.StateStopped)
			return
		}
		if err == nil {
			log.Info("child exited")
			s.setState(c.name, actor.StateStopped)
			return
		}

		s.setState(c.name, actor.StateFailed)
		if IsFatal(err) {
			log.Error("child failed on invariant violation", "error", err)
		} else {
			log.Warn("child failed", "error", err)
		}

		now := time.Now()
		failures = append(failures, now)
		cutoff := now.Add(-c.policy.Window)
		failures = slices.DeleteFunc(failures, func(t time.Time) bool { return t.Before(cutoff) })
		if len(failures) > c.policy.MaxRestarts {
			log.Error("restart budget exhausted", "failures", len(failures), "window", c.policy.Window)
			if s.onEscalate != nil {
				s.onEscalate(c.name, err)
			}
			return
		}

		s.setState(c.name, actor.StateRestarting)
		s.metrics.Restarts.WithLabelValues(c.name).Inc()
		select {
		case <-ctx.Done():
			s.setState(c.name, actor.StateStopped)
			return
		case <-time.After(c.policy.Backoff):
		}
		log.Info("restarting child", "attempt", len(failures))
	}
}

// runSafely converts a panic in run into an error.
func runSafely(ctx context.Context, run RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fatal(fmt.Errorf("panic: %v", r))
		}
	}()
	return run(ctx)
}
