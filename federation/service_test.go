package federation

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"federation-rpc/dispatch"
	ferrors "federation-rpc/errors"
	"federation-rpc/method"
	"federation-rpc/registry"
)

func agency(id string) registry.InstanceFunc {
	return func(ctx context.Context, methodName string, args []any) (any, error) {
		switch methodName {
		case "getAgency":
			return "agency " + id, nil
		case "getAgencies":
			return []string{id}, nil
		}
		return nil, errors.New("unsupported")
	}
}

var transitMethods = []method.Declaration{
	{Name: "getAgency", ByPartitionKey: &method.KeyArgument{Argument: 0}},
	{Name: "getAgencies", Returns: method.OrderedSequence, ByAggregate: &method.AggregateArguments{}},
}

func newTransit(t *testing.T) *Service {
	t.Helper()
	instances := registry.NewInstances()
	instances.Join("1", agency("1"))
	instances.Join("40", agency("40"))
	svc, err := NewFromDeclarations(transitMethods, instances, dispatch.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestServiceCall(t *testing.T) {
	svc := newTransit(t)

	res, err := svc.Call(context.Background(), "getAgency", "40")
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != "agency 40" {
		t.Fatalf("expect agency 40, got %v", res.Value)
	}

	v, err := svc.Invoke(context.Background(), "getAgencies", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v, []string{"1", "40"}) {
		t.Fatalf("expect [1 40], got %v", v)
	}

	if got := svc.Methods(); !reflect.DeepEqual(got, []string{"getAgencies", "getAgency"}) {
		t.Fatalf("unexpected methods %v", got)
	}
}

func TestServiceUnknownMethod(t *testing.T) {
	svc := newTransit(t)
	_, err := svc.Call(context.Background(), "getVehicles")
	var cfgErr *ferrors.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Method != "getVehicles" {
		t.Fatalf("expect configuration error naming the method, got %v", err)
	}
}

func TestValidateReportsEveryBadDeclaration(t *testing.T) {
	decls := []method.Declaration{
		{Name: "fine", ByAggregate: &method.AggregateArguments{}, Returns: method.OrderedSequence},
		{Name: "none"},
		{Name: "twice", ByEntityID: &method.KeyArgument{}, ByLocation: &method.LocationArguments{Lat: 0, Lon: 1}},
	}
	_, err := NewFromDeclarations(decls, registry.NewInstances(), dispatch.Options{})
	if err == nil {
		t.Fatal("expect validation error")
	}
	for _, name := range []string{"none", "twice"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("expect %s reported, got %v", name, err)
		}
	}
	if !ferrors.IsConfiguration(err) {
		t.Fatalf("expect configuration error, got %v", err)
	}
}

func TestNestedFederation(t *testing.T) {
	inner := newTransit(t)

	outer := registry.NewInstances()
	outer.Join("west", inner)
	outer.Join("east", agency("east"))
	svc, err := NewFromDeclarations(transitMethods, outer, dispatch.Options{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.Call(context.Background(), "getAgencies")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Value, []string{"east", "1", "40"}) {
		t.Fatalf("expect [east 1 40], got %v", res.Value)
	}
}
