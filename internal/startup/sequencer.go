// Package startup sequences post-startup and pre-destroy hooks.
//
// Configuration happens first: hooks are added while the sequencer is in
// PhaseConfigure. Start then runs every post-startup hook once, ordered by
// SortOrder (lower first, registration order breaking ties). Shutdown runs the
// pre-destroy hooks once, in registration order. A failing hook is logged and
// collected; it never prevents the remaining hooks from running.
package startup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyStarted is returned when adding hooks after Start or Shutdown.
var ErrAlreadyStarted = errors.New("startup: sequencer already started")

// ErrShutDown is returned by Start after Shutdown.
var ErrShutDown = errors.New("startup: sequencer shut down")

// PostStartup is run by Start.
type PostStartup struct {
	Name      string
	SortOrder int
	PostLoad  func(ctx context.Context) error
}

// PreDestroy is run by Shutdown.
type PreDestroy struct {
	Name      string
	OnDestroy func(ctx context.Context) error
}

// Phase is the lifecycle position of a Sequencer.
type Phase int

const (
	PhaseConfigure Phase = iota
	PhaseStarting
	PhaseStarted
	PhaseStopping
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseConfigure:
		return "configure"
	case PhaseStarting:
		return "starting"
	case PhaseStarted:
		return "started"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Event records one hook run.
type Event struct {
	Seq      int64         `json:"seq"`
	Stage    string        `json:"stage"`
	Hook     string        `json:"hook"`
	Order    int           `json:"order"`
	Duration time.Duration `json:"-"`
	Err      string        `json:"error,omitempty"`
}

const (
	StageStart    = "start"
	StageShutdown = "shutdown"
)

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// WithParallel lets hooks sharing a sort order run concurrently.
func WithParallel(parallel bool) Option {
	return func(s *Sequencer) { s.parallel = parallel }
}

// WithClock replaces the trace clock.
func WithClock(c *Clock) Option {
	return func(s *Sequencer) { s.clock = c }
}

// Sequencer runs post-startup and pre-destroy hooks.
//
// Thread-safety: all methods are safe for concurrent use. Start and Shutdown
// each run at most once; later calls return the first result.
type Sequencer struct {
	logger   *zap.Logger
	parallel bool
	clock    *Clock

	mu         sync.Mutex
	phase      Phase
	hooks      []PostStartup
	destroyers []PreDestroy
	trace      []Event

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	stopErr   error
}

// New creates a sequencer in PhaseConfigure.
func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		logger: zap.NewNop(),
		clock:  NewClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Add registers a post-startup hook.
func (s *Sequencer) Add(h PostStartup) error {
	if h.PostLoad == nil {
		return fmt.Errorf("post-startup hook %q: nil PostLoad", h.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseConfigure {
		return fmt.Errorf("add %q: %w", h.Name, ErrAlreadyStarted)
	}
	s.hooks = append(s.hooks, h)
	return nil
}

// AddPreDestroy registers a pre-destroy hook.
func (s *Sequencer) AddPreDestroy(d PreDestroy) error {
	if d.OnDestroy == nil {
		return fmt.Errorf("pre-destroy hook %q: nil OnDestroy", d.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseConfigure {
		return fmt.Errorf("add %q: %w", d.Name, ErrAlreadyStarted)
	}
	s.destroyers = append(s.destroyers, d)
	return nil
}

// Phase returns the current phase.
func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start runs the post-startup hooks. Failures are combined into the result.
func (s *Sequencer) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.mu.Lock()
		if s.phase != PhaseConfigure {
			s.mu.Unlock()
			s.startErr = ErrShutDown
			return
		}
		s.phase = PhaseStarting
		hooks := append([]PostStartup(nil), s.hooks...)
		s.mu.Unlock()

		sort.SliceStable(hooks, func(i, j int) bool {
			return hooks[i].SortOrder < hooks[j].SortOrder
		})

		var errs error
		for _, group := range groupByOrder(hooks) {
			errs = multierr.Append(errs, s.runGroup(ctx, group))
		}
		s.startErr = errs

		s.mu.Lock()
		if s.phase == PhaseStarting {
			s.phase = PhaseStarted
		}
		s.mu.Unlock()

		if errs != nil {
			s.logger.Error("startup completed with errors", zap.Error(errs))
		} else {
			s.logger.Info("startup completed", zap.Int("hooks", len(hooks)))
		}
	})
	return s.startErr
}

func groupByOrder(hooks []PostStartup) [][]PostStartup {
	var groups [][]PostStartup
	for i, h := range hooks {
		if i == 0 || h.SortOrder != hooks[i-1].SortOrder {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}

func (s *Sequencer) runGroup(ctx context.Context, group []PostStartup) error {
	if !s.parallel || len(group) == 1 {
		var errs error
		for _, h := range group {
			errs = multierr.Append(errs, s.runHook(ctx, h))
		}
		return errs
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, h := range group {
		g.Go(func() error {
			if err := s.runHook(ctx, h); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (s *Sequencer) runHook(ctx context.Context, h PostStartup) error {
	start := time.Now()
	err := h.PostLoad(ctx)
	s.record(StageStart, h.Name, h.SortOrder, time.Since(start), err)
	if err != nil {
		s.logger.Error("post-startup hook failed",
			zap.String("hook", h.Name), zap.Int("order", h.SortOrder), zap.Error(err))
		return fmt.Errorf("%s: %w", h.Name, err)
	}
	s.logger.Debug("post-startup hook done", zap.String("hook", h.Name), zap.Int("order", h.SortOrder))
	return nil
}

// Shutdown runs the pre-destroy hooks in registration order. Failures are
// logged per hook and combined into the result.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.phase = PhaseStopping
		destroyers := append([]PreDestroy(nil), s.destroyers...)
		s.mu.Unlock()

		var errs error
		for _, d := range destroyers {
			start := time.Now()
			err := d.OnDestroy(ctx)
			s.record(StageShutdown, d.Name, 0, time.Since(start), err)
			if err != nil {
				s.logger.Error("pre-destroy hook failed", zap.String("hook", d.Name), zap.Error(err))
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
			}
		}
		s.stopErr = errs

		s.mu.Lock()
		s.phase = PhaseStopped
		s.mu.Unlock()
	})
	return s.stopErr
}

func (s *Sequencer) record(stage, hook string, order int, d time.Duration, err error) {
	ev := Event{Stage: stage, Hook: hook, Order: order, Duration: d}
	if err != nil {
		ev.Err = err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Seq = s.clock.Next()
	s.trace = append(s.trace, ev)
}

// Trace returns the hook runs so far, in completion order.
func (s *Sequencer) Trace() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.trace...)
}
