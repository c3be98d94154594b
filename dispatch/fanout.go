package dispatch

import (
	"context"
	"fmt"

	"federation-rpc/aggregate"
	ferrors "federation-rpc/errors"
	"federation-rpc/method"
	"federation-rpc/registry"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// fanOut invokes every target in parallel and merges the successes in target
// order. Targets must already be in snapshot order.
//
// Results are slotted by target index as they arrive, so completion order
// never leaks into the merged value. Under FailFast the first failure
// returns at once; the deferred cancel tells the remaining calls to stop and
// their results are dropped into the buffered channel unread.
func (d *Dispatcher) fanOut(ctx context.Context, snap *registry.Snapshot, s method.Strategy,
	targets []registry.Member, args []any, logger *zap.Logger) (*Result, error) {

	name := s.Method()
	if len(targets) == 0 {
		value, err := aggregate.Merge(s.Returns(), nil)
		if err != nil {
			return nil, err
		}
		return &Result{Value: value, Version: snap.Version(), method: name}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan aggregate.Partial, len(targets))
	for i, m := range targets {
		go func(i int, m registry.Member) {
			v, err := d.invoke(ctx, m, name, args)
			results <- aggregate.Partial{Index: i, Partition: m.Partition, Value: v, Err: err}
		}(i, m)
	}

	parts := make([]aggregate.Partial, len(targets))
	failed := 0
	for range targets {
		select {
		case p := <-results:
			if p.Failed() {
				failed++
				d.observer.ObserveInstanceFailure(name, p.Partition)
				logger.Warn("instance failed", zap.String("partition", p.Partition), zap.Error(p.Err))
				if d.policy == FailFast {
					return nil, ferrors.NewFatalError(name, fmt.Sprintf("partition %q failed", p.Partition), p.Err)
				}
			}
			parts[p.Index] = p
		case <-ctx.Done():
			return nil, ferrors.NewFatalError(name, "dispatch abandoned", ctx.Err())
		}
	}

	if failed == len(parts) {
		errs := make([]error, len(parts))
		for i, p := range parts {
			errs[i] = fmt.Errorf("partition %q: %w", p.Partition, p.Err)
		}
		return nil, ferrors.NewFatalError(name, "all instances failed", combine(errs))
	}

	value, err := aggregate.Merge(s.Returns(), parts)
	if err != nil {
		return nil, err
	}
	return &Result{Value: value, Partials: parts, Version: snap.Version(), method: name}, nil
}

func combine(errs []error) error {
	return multierr.Combine(errs...)
}
