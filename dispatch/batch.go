package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"federation-rpc/aggregate"
	"federation-rpc/entityid"
	ferrors "federation-rpc/errors"
	"federation-rpc/method"
	"federation-rpc/registry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type idGroup struct {
	partition string
	indices   []int
}

// batched splits the id collection by owning partition, invokes each
// partition once with its own ids, and rebuilds the result in input order.
// Every partition is resolved before anything is invoked, so a routing
// failure never leaves partial work behind.
func (d *Dispatcher) batched(ctx context.Context, snap *registry.Snapshot, st method.EntityIDsStrategy,
	args []any, logger *zap.Logger) (*Result, error) {

	name := st.Method()
	arg, err := argumentAt(name, args, st.Argument)
	if err != nil {
		return nil, err
	}
	if arg == nil {
		return nil, ferrors.NewConfigurationError(name, "argument %d is nil, expected a collection of entity ids", st.Argument)
	}
	ids := reflect.ValueOf(arg)
	if ids.Kind() != reflect.Slice && ids.Kind() != reflect.Array {
		return nil, ferrors.NewConfigurationError(name, "argument %d is %T, expected a collection of entity ids", st.Argument, arg)
	}

	n := ids.Len()
	if n == 0 {
		return &Result{Value: []any{}, Version: snap.Version(), method: name}, nil
	}

	byPartition := make(map[string]*idGroup)
	for i := 0; i < n; i++ {
		raw := ids.Index(i).Interface()
		id, ok := entityid.String(raw)
		if !ok {
			return nil, ferrors.NewConfigurationError(name, "element %d of argument %d is %T, expected an entity id", i, st.Argument, raw)
		}
		key, err := d.codec.PartitionKey(id)
		if err != nil {
			return nil, ferrors.NewRoutingError(name, "", err.Error())
		}
		g, ok := byPartition[key]
		if !ok {
			if _, registered := snap.Lookup(key); !registered {
				return nil, ferrors.NewRoutingError(name, key, "partition not registered")
			}
			g = &idGroup{partition: key}
			byPartition[key] = g
		}
		g.indices = append(g.indices, i)
	}

	groups := make([]*idGroup, 0, len(byPartition))
	for _, g := range byPartition {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].partition < groups[j].partition })

	// Sub-collections keep the caller's element type
	sliceType := ids.Type()
	if sliceType.Kind() == reflect.Array {
		sliceType = reflect.SliceOf(sliceType.Elem())
	}

	batches := make([]aggregate.Batch, len(groups))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, g := range groups {
		inst, _ := snap.Lookup(g.partition)
		sub := reflect.MakeSlice(sliceType, 0, len(g.indices))
		for _, idx := range g.indices {
			sub = reflect.Append(sub, ids.Index(idx))
		}
		callArgs := append([]any(nil), args...)
		callArgs[st.Argument] = sub.Interface()

		eg.Go(func() error {
			v, err := d.invoke(egCtx, registry.Member{Partition: g.partition, Instance: inst}, name, callArgs)
			if err != nil {
				d.observer.ObserveInstanceFailure(name, g.partition)
				logger.Warn("batch failed", zap.String("partition", g.partition), zap.Int("ids", len(g.indices)), zap.Error(err))
				return fmt.Errorf("partition %q: %w", g.partition, err)
			}
			batches[i] = aggregate.Batch{Partition: g.partition, Indices: g.indices, Value: v}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, ferrors.NewFatalError(name, "batch failed", err)
	}

	value, err := aggregate.Resequence(n, batches)
	if err != nil {
		return nil, err
	}

	parts := make([]aggregate.Partial, len(batches))
	for i, b := range batches {
		parts[i] = aggregate.Partial{Index: i, Partition: b.Partition, Value: b.Value}
	}
	return &Result{Value: value, Partials: parts, Version: snap.Version(), method: name}, nil
}
