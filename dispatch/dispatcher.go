// Package dispatch executes classified strategies against the instance
// registry.
//
// Every call pins one registry snapshot up front and routes against it only:
//
//	single target  ByPartitionKey, ByEntityID, ByAnyEntityID
//	               resolve one key → Lookup → invoke → result unmodified
//	batched        ByEntityIDs
//	               group ids by partition → one call per partition
//	               → elements put back at their original positions
//	fan-out        ByBounds, ByCoordinateBounds, ByLocation, ByAggregate
//	               select members in snapshot order → invoke in parallel
//	               → resequence by position → aggregate.Merge
//
// Fan-out failures follow the configured Policy. Under BestEffort the call
// succeeds while at least one instance succeeded and the failures stay
// visible on the Result; under FailFast the first failure cancels the
// siblings and fails the call.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"federation-rpc/aggregate"
	"federation-rpc/entityid"
	ferrors "federation-rpc/errors"
	"federation-rpc/message"
	"federation-rpc/method"
	"federation-rpc/middleware"
	"federation-rpc/registry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Policy decides how fan-out handles individual instance failures.
type Policy int

const (
	BestEffort Policy = iota
	FailFast
)

func (p Policy) String() string {
	switch p {
	case BestEffort:
		return "best-effort"
	case FailFast:
		return "fail-fast"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses "best-effort" or "fail-fast".
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "best-effort", "besteffort":
		return BestEffort, nil
	case "fail-fast", "failfast":
		return FailFast, nil
	}
	return 0, fmt.Errorf("unknown failure policy %q", name)
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Observer receives one event per dispatch and per failed instance.
type Observer interface {
	ObserveDispatch(methodName string, kind method.Kind, outcome string, width int, elapsed time.Duration)
	ObserveInstanceFailure(methodName, partition string)
}

// Dispatch outcomes reported to the Observer.
const (
	OutcomeOK      = "ok"
	OutcomePartial = "partial"
	OutcomeError   = "error"
)

type nopObserver struct{}

func (nopObserver) ObserveDispatch(string, method.Kind, string, int, time.Duration) {}
func (nopObserver) ObserveInstanceFailure(string, string)                          {}

// Options configures a Dispatcher.
type Options struct {
	Policy Policy

	// Timeout bounds every single instance invocation. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration

	// Codec maps entity ids to partitions; entityid.Default when nil.
	Codec entityid.Codec

	// Middlewares wrap every instance invocation, outermost first. The
	// per-instance timeout always runs innermost.
	Middlewares []middleware.Middleware

	Logger   *zap.Logger
	Observer Observer
}

// Dispatcher routes calls to the instances of an Instances registry.
// It is safe for concurrent use.
type Dispatcher struct {
	instances *registry.Instances
	policy    Policy
	codec     entityid.Codec
	chain     middleware.Middleware
	logger    *zap.Logger
	observer  Observer
}

func New(instances *registry.Instances, opts Options) *Dispatcher {
	d := &Dispatcher{
		instances: instances,
		policy:    opts.Policy,
		codec:     opts.Codec,
		logger:    opts.Logger,
		observer:  opts.Observer,
	}
	if d.codec == nil {
		d.codec = entityid.Default
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}

	mws := append([]middleware.Middleware(nil), opts.Middlewares...)
	if opts.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(opts.Timeout))
	}
	d.chain = middleware.Chain(mws...)
	return d
}

// Policy returns the fan-out failure policy.
func (d *Dispatcher) Policy() Policy { return d.policy }

// Result is the logical outcome of one dispatch.
type Result struct {
	Value any

	// Partials holds one entry per invoked instance (per batch for
	// ByEntityIDs), in snapshot order. Failed entries only appear under
	// BestEffort fan-out.
	Partials []aggregate.Partial

	// Version is the registry snapshot version the call routed against.
	Version uint64

	method string
}

// Failures returns the failed partials in snapshot order.
func (r *Result) Failures() []aggregate.Partial {
	var failed []aggregate.Partial
	for _, p := range r.Partials {
		if p.Failed() {
			failed = append(failed, p)
		}
	}
	return failed
}

// Complete reports whether every invoked instance succeeded.
func (r *Result) Complete() bool {
	return len(r.Failures()) == 0
}

// PartialFailure describes the gaps of a result that succeeded only in
// part, or returns nil when the result is complete.
func (r *Result) PartialFailure() *ferrors.PartialFailureError {
	failed := r.Failures()
	if len(failed) == 0 {
		return nil
	}
	pf := &ferrors.PartialFailureError{Method: r.method}
	errs := make([]error, len(failed))
	for i, p := range failed {
		pf.Partitions = append(pf.Partitions, p.Partition)
		errs[i] = p.Err
	}
	pf.Cause = combine(errs)
	return pf
}

// Dispatch runs s with args against the current registry snapshot.
func (d *Dispatcher) Dispatch(ctx context.Context, s method.Strategy, args []any) (*Result, error) {
	start := time.Now()
	snap := d.instances.Snapshot()
	logger := d.logger.With(
		zap.String("call", uuid.NewString()),
		zap.String("method", s.Method()),
		zap.Stringer("kind", s.Kind()),
		zap.Uint64("snapshot", snap.Version()),
	)

	res, err := d.dispatch(ctx, snap, s, args, logger)

	outcome, width := OutcomeOK, 0
	switch {
	case err != nil:
		outcome = OutcomeError
		logger.Warn("dispatch failed", zap.Error(err))
	case !res.Complete():
		outcome = OutcomePartial
		width = len(res.Partials)
		logger.Warn("dispatch succeeded with gaps", zap.Error(res.PartialFailure()))
	default:
		width = len(res.Partials)
		logger.Debug("dispatch", zap.Int("instances", width), zap.Duration("elapsed", time.Since(start)))
	}
	d.observer.ObserveDispatch(s.Method(), s.Kind(), outcome, width, time.Since(start))

	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, snap *registry.Snapshot, s method.Strategy, args []any, logger *zap.Logger) (*Result, error) {
	name := s.Method()

	switch st := s.(type) {
	case method.PartitionKeyStrategy:
		key, err := d.partitionKey(name, args, st.Argument, st.Path())
		if err != nil {
			return nil, err
		}
		return d.single(ctx, snap, name, key, args)

	case method.EntityIDStrategy:
		key, err := d.entityPartition(name, args, st.Argument, st.Path())
		if err != nil {
			return nil, err
		}
		return d.single(ctx, snap, name, key, args)

	case method.AnyEntityIDStrategy:
		key, err := d.anyEntityPartition(name, args, st)
		if err != nil {
			return nil, err
		}
		return d.single(ctx, snap, name, key, args)

	case method.EntityIDsStrategy:
		return d.batched(ctx, snap, st, args, logger)

	case method.BoundsStrategy:
		b, err := boundsArgs(name, args, st)
		if err != nil {
			return nil, err
		}
		return d.covering(ctx, snap, s, args, fmt.Sprintf("no instance covers %v", b), func(c registry.Covering) bool {
			return c.Intersects(b)
		}, logger)

	case method.CoordinateBoundsStrategy:
		b, err := coordinateBoundsArg(name, args, st)
		if err != nil {
			return nil, err
		}
		return d.covering(ctx, snap, s, args, fmt.Sprintf("no instance covers %v", b), func(c registry.Covering) bool {
			return c.Intersects(b)
		}, logger)

	case method.LocationStrategy:
		p, err := locationArgs(name, args, st)
		if err != nil {
			return nil, err
		}
		return d.covering(ctx, snap, s, args, fmt.Sprintf("no instance covers %g,%g", p.Lat, p.Lon), func(c registry.Covering) bool {
			return c.Contains(p)
		}, logger)

	case method.AggregateStrategy:
		return d.fanOut(ctx, snap, s, snap.Members(), args, logger)
	}

	return nil, ferrors.NewConfigurationError(name, "unsupported dispatch kind %v", s.Kind())
}

// invoke runs one call through the middleware chain.
func (d *Dispatcher) invoke(ctx context.Context, m registry.Member, methodName string, args []any) (any, error) {
	terminal := func(ctx context.Context, call *message.Call) (any, error) {
		return m.Instance.Invoke(ctx, call.Method, call.Args)
	}
	return d.chain(terminal)(ctx, &message.Call{Partition: m.Partition, Method: methodName, Args: args})
}

// single invokes the one instance owning key.
func (d *Dispatcher) single(ctx context.Context, snap *registry.Snapshot, name, key string, args []any) (*Result, error) {
	inst, ok := snap.Lookup(key)
	if !ok {
		return nil, ferrors.NewRoutingError(name, key, "partition not registered")
	}
	v, err := d.invoke(ctx, registry.Member{Partition: key, Instance: inst}, name, args)
	if err != nil {
		d.observer.ObserveInstanceFailure(name, key)
		return nil, ferrors.NewFatalError(name, fmt.Sprintf("partition %q failed", key), err)
	}
	return &Result{
		Value:    v,
		Partials: []aggregate.Partial{{Index: 0, Partition: key, Value: v}},
		Version:  snap.Version(),
		method:   name,
	}, nil
}

// covering fans out to the members whose service area satisfies match.
// Scalar methods cannot merge several answers and go to the first matching
// member in snapshot order instead.
func (d *Dispatcher) covering(ctx context.Context, snap *registry.Snapshot, s method.Strategy, args []any,
	uncovered string, match func(registry.Covering) bool, logger *zap.Logger) (*Result, error) {

	var targets []registry.Member
	for _, m := range snap.Members() {
		if c, ok := m.Instance.(registry.Covering); ok && match(c) {
			targets = append(targets, m)
		}
	}
	if len(targets) == 0 {
		return nil, ferrors.NewRoutingError(s.Method(), "", uncovered)
	}
	if s.Returns() == method.Scalar {
		return d.single(ctx, snap, s.Method(), targets[0].Partition, args)
	}
	return d.fanOut(ctx, snap, s, targets, args, logger)
}
