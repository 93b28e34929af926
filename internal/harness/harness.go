package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/roach88/dbwire/internal/descriptor"
	"github.com/roach88/dbwire/internal/module"
	"github.com/roach88/dbwire/internal/persist"
	"github.com/roach88/dbwire/internal/startup"
	"github.com/roach88/dbwire/internal/txn"
)

// DataDirVariable names the placeholder bound to the run's data directory.
const DataDirVariable = "DATA_DIR"

// ErrForcedRollback fails a step marked fail: true after its statement ran.
var ErrForcedRollback = errors.New("forced rollback")

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to the bootstrap.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Harness is the scenario execution engine.
// It runs one scenario with a logical clock and sequential transaction IDs.
type Harness struct {
	b      *module.Bootstrap
	clock  *startup.Clock
	logger *zap.Logger
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Create a fresh data directory
//  2. Install the selected units and start them
//  3. Run flow steps and check expect clauses
//  4. Evaluate assertions
//  5. Shut down and record the shutdown hooks
//
// A returned error means the scenario could not run at all; failed
// expectations are reported in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{clock: startup.NewClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}

	dataDir, err := os.MkdirTemp("", "dbwire-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	defer os.RemoveAll(dataDir)

	file, err := descriptor.Load(scenario.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptor: %w", err)
	}
	defs, err := selectUnits(module.FromDescriptor(file), scenario.Units)
	if err != nil {
		return nil, err
	}

	h.b = module.New(file,
		module.WithLogger(h.logger),
		module.WithLookup(dataDirLookup(dataDir)),
		module.WithIDGenerator(txn.NewSequenceGenerator("tx")),
		module.WithParallelStartup(scenario.Parallel),
	)
	if err := h.b.Install(defs...); err != nil {
		return nil, fmt.Errorf("failed to install units: %w", err)
	}

	ctx := context.Background()
	result := NewResult()

	startErr := h.b.Start(ctx)
	h.recordHooks(result, startup.StageStart, EventHook)
	if startErr != nil {
		result.AddError(fmt.Sprintf("startup: %v", startErr))
	} else {
		h.executeFlow(ctx, scenario.Flow, result)
		for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, h.b) {
			result.AddError(msg)
		}
	}

	shutdownErr := h.b.Shutdown(ctx)
	h.recordHooks(result, startup.StageShutdown, EventShutdown)
	if shutdownErr != nil {
		result.AddError(fmt.Sprintf("shutdown: %v", shutdownErr))
	}
	return result, nil
}

// selectUnits keeps the definitions named in units, in descriptor order.
func selectUnits(defs []module.Definition, units []string) ([]module.Definition, error) {
	if len(units) == 0 {
		return defs, nil
	}
	for _, name := range units {
		if !slices.ContainsFunc(defs, func(d module.Definition) bool { return d.UnitName == name }) {
			return nil, fmt.Errorf("unit %q is not in the descriptor", name)
		}
	}
	var selected []module.Definition
	for _, def := range defs {
		if slices.Contains(units, def.UnitName) {
			selected = append(selected, def)
		}
	}
	return selected, nil
}

func dataDirLookup(dir string) descriptor.LookupFunc {
	return func(name string) (string, bool) {
		if name == DataDirVariable {
			return dir, true
		}
		return descriptor.EnvLookup(name)
	}
}

func (h *Harness) recordHooks(result *Result, stage, eventType string) {
	for _, ev := range h.b.Trace() {
		if ev.Stage != stage {
			continue
		}
		result.Trace = append(result.Trace, TraceEvent{
			Seq:   h.clock.Next(),
			Type:  eventType,
			Name:  ev.Hook,
			Error: ev.Err,
		})
	}
}

// executeFlow runs every step in its own unit of work and transaction.
// Any statement error rolls back; fail: true rolls back a successful one.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) {
	for i, step := range flow {
		name := fmt.Sprintf("flow[%d]", i)

		def, ok := h.b.Definition(step.Unit)
		if !ok {
			result.AddError(fmt.Sprintf("%s: unknown unit %q", name, step.Unit))
			continue
		}
		svc, err := h.b.Service(def.Marker)
		if err != nil {
			result.AddError(fmt.Sprintf("%s: %v", name, err))
			continue
		}

		ev := TraceEvent{Type: EventStep, Name: name, Unit: def.UnitName}
		attr := txn.Attribute{
			Name:       name,
			RollbackOn: []txn.RollbackRule{txn.RollbackOn[error]()},
		}

		err = persist.WithUnitOfWork(ctx, svc, h.b.Interceptor().Wrap(attr, func(ctx context.Context) error {
			if t := txn.FromContext(ctx); t != nil {
				ev.Tx = t.ID()
			}
			sess, err := svc.Session(ctx)
			if err != nil {
				return err
			}
			if err := runStep(ctx, sess, step, &ev); err != nil {
				return err
			}
			if step.Fail {
				return ErrForcedRollback
			}
			return nil
		}))

		ev.Seq = h.clock.Next()
		ev.Outcome = OutcomeCommitted
		if err != nil {
			ev.Outcome = OutcomeRolledBack
			if !errors.Is(err, ErrForcedRollback) {
				ev.Error = err.Error()
			}
		}
		result.Trace = append(result.Trace, ev)

		for _, msg := range checkExpect(step, ev) {
			result.AddError(name + ": " + msg)
		}
		h.logger.Debug("flow step completed",
			zap.String("step", name),
			zap.String("unit", def.UnitName),
			zap.String("tx", ev.Tx),
			zap.String("outcome", ev.Outcome))
	}
}

func runStep(ctx context.Context, sess *persist.Session, step FlowStep, ev *TraceEvent) error {
	if step.Query != "" {
		_, rows, err := sess.QueryText(ctx, step.Query)
		if err != nil {
			return err
		}
		ev.Rows = rows
		return nil
	}
	res, err := sess.ExecContext(ctx, step.Exec)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	ev.RowsAffected = n
	return nil
}

// checkExpect compares a step's event with its expect clause.
func checkExpect(step FlowStep, ev TraceEvent) []string {
	want := OutcomeCommitted
	if step.Expect != nil && step.Expect.Outcome != "" {
		want = step.Expect.Outcome
	}

	var msgs []string
	if ev.Outcome != want {
		msg := fmt.Sprintf("expected %s, got %s", want, ev.Outcome)
		if ev.Error != "" {
			msg += " (" + ev.Error + ")"
		}
		msgs = append(msgs, msg)
	}
	if step.Expect == nil {
		return msgs
	}
	if step.Expect.RowsAffected != nil && *step.Expect.RowsAffected != ev.RowsAffected {
		msgs = append(msgs, fmt.Sprintf("expected %d row(s) affected, got %d", *step.Expect.RowsAffected, ev.RowsAffected))
	}
	if step.Expect.Rows != nil && !rowsEqual(step.Expect.Rows, ev.Rows) {
		msgs = append(msgs, fmt.Sprintf("expected rows %v, got %v", step.Expect.Rows, ev.Rows))
	}
	return msgs
}

func rowsEqual(a, b [][]string) bool {
	return slices.EqualFunc(a, b, func(x, y []string) bool { return slices.Equal(x, y) })
}
