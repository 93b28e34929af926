package txn

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/dbwire/internal/metrics"
)

// TracerName is the instrumentation name of the interceptor's spans.
const TracerName = "github.com/roach88/dbwire/internal/txn"

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) InterceptorOption {
	return func(i *Interceptor) { i.logger = l }
}

// WithMetrics reports calls to c.
func WithMetrics(c *metrics.Collector) InterceptorOption {
	return func(i *Interceptor) { i.metrics = c }
}

// WithTracerProvider sets the span provider; the global provider is the default.
func WithTracerProvider(tp trace.TracerProvider) InterceptorOption {
	return func(i *Interceptor) { i.tracer = tp.Tracer(TracerName) }
}

// Interceptor runs functions inside transactions.
//
// For each call it looks up the transaction manager, begins a transaction if
// none is in progress, runs the function and commits on success. The call that
// began the transaction is the one that commits; nested calls join it. On
// failure the attribute's rules are evaluated in order and the first match
// rolls back. Without a match the transaction is left as it is.
//
// Thread-safety: Interceptor is safe for concurrent use.
type Interceptor struct {
	lookup  Lookup
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// NewInterceptor creates an interceptor resolving managers through lookup.
func NewInterceptor(lookup Lookup, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		lookup: lookup,
		logger: zap.NewNop(),
		tracer: otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = zap.NewNop()
	}
	return i
}

// Invoke runs fn under attr. The returned result is always fn's result; the
// returned error is fn's failure, or the commit failure when fn succeeded but
// the commit did not. A panic in fn is re-raised after rollback rules ran.
func (i *Interceptor) Invoke(ctx context.Context, attr Attribute, fn func(ctx context.Context) (any, error)) (any, error) {
	name := attr.name()
	start := time.Now()

	ctx, span := i.tracer.Start(ctx, "txn "+name,
		trace.WithAttributes(attribute.String("dbwire.tx.attribute", name)))
	defer span.End()

	log := i.logger.With(zap.String("attribute", name))

	ut, err := i.lookupManager(ctx)
	if err != nil {
		i.metrics.TxLookupFailure()
		log.Error("transaction lookup failed, running without a transaction", zap.Error(err))
		span.SetAttributes(attribute.Bool("dbwire.tx.degraded", true))

		result, pe, ferr := call(ctx, fn)
		i.finish(span, name, start, ferr, pe)
		if pe != nil {
			panic(pe.Value)
		}
		return result, ferr
	}

	owner := false
	if !ut.Status(ctx).InProgress() {
		txCtx, berr := ut.Begin(ctx)
		if berr != nil {
			log.Error("begin transaction failed", zap.Error(berr))
			i.finish(span, name, start, berr, nil)
			return nil, berr
		}
		ctx = txCtx
		owner = true
		i.metrics.TxBegin()
	}
	if t := FromContext(ctx); t != nil {
		span.SetAttributes(
			attribute.String("dbwire.tx.id", t.ID()),
			attribute.Bool("dbwire.tx.owner", owner))
		log = log.With(zap.String("tx", t.ID()))
	}

	result, pe, ferr := call(ctx, fn)

	if ferr == nil && pe == nil {
		if !owner {
			i.finish(span, name, start, nil, nil)
			return result, nil
		}
		cerr := ut.Commit(ctx)
		switch {
		case cerr == nil:
			i.metrics.TxCommit()
			i.finish(span, name, start, nil, nil)
			return result, nil
		case errors.Is(cerr, ErrIllegalState):
			i.metrics.TxNothingToCommit()
			log.Debug("nothing to commit", zap.Error(cerr))
			i.finish(span, name, start, nil, nil)
			return result, nil
		}
		ferr = cerr
	}

	failure := ferr
	if pe != nil {
		failure = pe
	}

	if rule, ok := attr.Match(failure); ok {
		switch rerr := ut.Rollback(ctx); {
		case rerr == nil:
			i.metrics.TxRollback("rule")
			log.Debug("rolled back", zap.Stringer("rule", rule))
		case errors.Is(rerr, ErrIllegalState):
			log.Debug("nothing to roll back", zap.Stringer("rule", rule), zap.Error(rerr))
		default:
			log.Error("rollback failed", zap.Stringer("rule", rule), zap.Error(rerr))
		}
	} else if owner && ut.Status(ctx).InProgress() {
		log.Warn("no rollback rule matched, transaction left in progress")
	}

	log.Error("transactional call failed", zap.Error(failure))
	i.finish(span, name, start, failure, pe)
	if pe != nil {
		panic(pe.Value)
	}
	return result, ferr
}

func (i *Interceptor) lookupManager(ctx context.Context) (UserTransaction, error) {
	if i.lookup == nil {
		return nil, ErrContextLookup
	}
	ut, err := i.lookup.Lookup(ctx)
	if err != nil {
		if !errors.Is(err, ErrContextLookup) {
			err = errors.Join(ErrContextLookup, err)
		}
		return nil, err
	}
	if ut == nil {
		return nil, ErrContextLookup
	}
	return ut, nil
}

func (i *Interceptor) finish(span trace.Span, name string, start time.Time, err error, pe *PanicError) {
	outcome := "ok"
	switch {
	case pe != nil:
		outcome = "panic"
		span.RecordError(pe)
		span.SetStatus(codes.Error, pe.Error())
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	i.metrics.ObserveCall(name, outcome, time.Since(start))
}

// call runs fn, converting a panic into a *PanicError.
func call(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, pe *PanicError, err error) {
	defer func() {
		if v := recover(); v != nil {
			pe = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	result, err = fn(ctx)
	return result, nil, err
}

// Call is the typed form of Invoke.
func Call[T any](ctx context.Context, i *Interceptor, attr Attribute, fn func(ctx context.Context) (T, error)) (T, error) {
	res, err := i.Invoke(ctx, attr, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	v, _ := res.(T)
	return v, err
}

// Wrap returns fn wrapped by the interceptor under attr.
func (i *Interceptor) Wrap(attr Attribute, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := i.Invoke(ctx, attr, func(ctx context.Context) (any, error) {
			return nil, fn(ctx)
		})
		return err
	}
}
