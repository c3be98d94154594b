// Package federation is the caller-facing entry point: one logical service
// backed by many partitioned instances.
//
//	svc.Call(ctx, "getStop", "1_75403")
//	  → method.Table lookup → method.Registry.Classify (memoized)
//	  → dispatch.Dispatcher → instance(s) → aggregated Result
package federation

import (
	"context"
	"fmt"

	"federation-rpc/dispatch"
	ferrors "federation-rpc/errors"
	"federation-rpc/method"
	"federation-rpc/registry"

	"go.uber.org/multierr"
)

// Service dispatches calls by method name. It is safe for concurrent use.
type Service struct {
	table      *method.Table
	strategies *method.Registry
	instances  *registry.Instances
	dispatcher *dispatch.Dispatcher
}

// New builds a service over the method table and the live membership.
// Classification is lazy; call Validate to surface declaration errors up
// front.
func New(table *method.Table, instances *registry.Instances, opts dispatch.Options) *Service {
	return &Service{
		table:      table,
		strategies: method.NewRegistry(),
		instances:  instances,
		dispatcher: dispatch.New(instances, opts),
	}
}

// NewFromDeclarations builds the method table from decls and validates it.
func NewFromDeclarations(decls []method.Declaration, instances *registry.Instances, opts dispatch.Options) (*Service, error) {
	table, err := method.NewTable(decls)
	if err != nil {
		return nil, err
	}
	s := New(table, instances, opts)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate classifies every declared method and reports all invalid ones
// together.
func (s *Service) Validate() error {
	return validate(s.table, s.strategies)
}

func validate(table *method.Table, strategies *method.Registry) error {
	var errs error
	for _, name := range table.Names() {
		d, _ := table.Lookup(name)
		if _, err := strategies.Classify(d); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Call dispatches the named method with args and returns the full result,
// including the per-instance partials.
func (s *Service) Call(ctx context.Context, name string, args ...any) (*dispatch.Result, error) {
	d, ok := s.table.Lookup(name)
	if !ok {
		return nil, ferrors.NewConfigurationError(name, "unknown method")
	}
	st, err := s.strategies.Classify(d)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Dispatch(ctx, st, args)
}

// Invoke makes the whole federation usable as a single registry.Instance,
// so it can be hosted behind a server as one partition of a larger one.
// Only the merged value is returned.
func (s *Service) Invoke(ctx context.Context, methodName string, args []any) (any, error) {
	res, err := s.Call(ctx, methodName, args...)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Instances returns the live membership the service routes against.
func (s *Service) Instances() *registry.Instances { return s.instances }

// Methods returns the declared method names in ascending order.
func (s *Service) Methods() []string { return s.table.Names() }

// Policy returns the fan-out failure policy.
func (s *Service) Policy() dispatch.Policy { return s.dispatcher.Policy() }

func (s *Service) String() string {
	return fmt.Sprintf("federation(%d methods, %d instances, %v)",
		s.table.Len(), s.instances.Snapshot().Len(), s.dispatcher.Policy())
}
