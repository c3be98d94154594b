package method

import (
	"sync"
	"testing"

	ferrors "federation-rpc/errors"
)

func mustDescriptor(t *testing.T, decl Declaration) *Descriptor {
	t.Helper()
	d, err := NewDescriptor(decl)
	if err != nil {
		t.Fatalf("NewDescriptor(%s): %v", decl.Name, err)
	}
	return d
}

func TestClassifyEachKind(t *testing.T) {
	cases := []struct {
		decl Declaration
		kind Kind
	}{
		{Declaration{Name: "getAgency", ByPartitionKey: &KeyArgument{Argument: 0}}, ByPartitionKey},
		{Declaration{Name: "getStop", ByEntityID: &KeyArgument{Argument: 0, Property: "stopId"}}, ByEntityID},
		{Declaration{Name: "getArrivals", ByAnyEntityID: &AnyKeyArgument{Argument: 0, Properties: []string{"stopId", "tripId"}}}, ByAnyEntityID},
		{Declaration{Name: "getStops", Returns: OrderedSequence, ByEntityIDs: &CollectionArgument{Argument: 0}}, ByEntityIDs},
		{Declaration{Name: "getStopsInBox", Returns: OrderedSequence, ByBounds: &BoundsArguments{Lat1: 0, Lon1: 1, Lat2: 2, Lon2: 3}}, ByBounds},
		{Declaration{Name: "getRoutesInBox", Returns: OrderedSequence, ByCoordinateBounds: &KeyArgument{Argument: 0, Property: "bounds"}}, ByCoordinateBounds},
		{Declaration{Name: "getNearby", Returns: OrderedSequence, ByLocation: &LocationArguments{Lat: 0, Lon: 1}}, ByLocation},
		{Declaration{Name: "getAgencies", Returns: KeyValueMapping, ByAggregate: &AggregateArguments{}}, ByAggregate},
	}

	for _, tc := range cases {
		s, err := Classify(mustDescriptor(t, tc.decl))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.decl.Name, err)
		}
		if s.Kind() != tc.kind {
			t.Fatalf("%s: expect kind %v, got %v", tc.decl.Name, tc.kind, s.Kind())
		}
		if s.Method() != tc.decl.Name {
			t.Fatalf("%s: expect method name to carry over, got %s", tc.decl.Name, s.Method())
		}
		if s.Returns() != tc.decl.Returns {
			t.Fatalf("%s: expect returns %v, got %v", tc.decl.Name, tc.decl.Returns, s.Returns())
		}
	}
}

func TestClassifyParameters(t *testing.T) {
	s, err := Classify(mustDescriptor(t, Declaration{
		Name:          "getArrivals",
		ByAnyEntityID: &AnyKeyArgument{Argument: 1, Properties: []string{"stop.id", "trip"}},
	}))
	if err != nil {
		t.Fatal(err)
	}
	a := s.(AnyEntityIDStrategy)
	if a.Argument != 1 {
		t.Fatalf("expect argument 1, got %d", a.Argument)
	}
	paths := a.Paths()
	if len(paths) != 2 || paths[0].String() != "stop.id" || paths[1].String() != "trip" {
		t.Fatalf("unexpected paths %v", paths)
	}
}

func TestCachedStrategyPathsAreImmutable(t *testing.T) {
	r := NewRegistry()
	d := mustDescriptor(t, Declaration{
		Name:          "getArrivals",
		ByAnyEntityID: &AnyKeyArgument{Argument: 0, Properties: []string{"stop.id", "trip"}},
	})
	s, err := r.Classify(d)
	if err != nil {
		t.Fatal(err)
	}
	paths := s.(AnyEntityIDStrategy).Paths()
	paths[0] = Path{"vehicle"}
	paths[1][0] = "block"

	again, _ := r.Classify(d)
	got := again.(AnyEntityIDStrategy).Paths()
	if got[0].String() != "stop.id" || got[1].String() != "trip" {
		t.Fatalf("expect cached paths untouched, got %v", got)
	}
	v, ok := again.(AnyEntityIDStrategy).Resolve(map[string]any{"trip": "40_9"})
	if !ok || v != "40_9" {
		t.Fatalf("expect trip to resolve, got %v %v", v, ok)
	}

	keyed := mustDescriptor(t, Declaration{Name: "getAgency", ByPartitionKey: &KeyArgument{Argument: 0, Property: "agency.id"}})
	ks, err := r.Classify(keyed)
	if err != nil {
		t.Fatal(err)
	}
	ks.(PartitionKeyStrategy).Path()[0] = "route"
	ks, _ = r.Classify(keyed)
	if got := ks.(PartitionKeyStrategy).Path().String(); got != "agency.id" {
		t.Fatalf("expect cached path agency.id, got %s", got)
	}
}

func TestClassifyMissingKind(t *testing.T) {
	_, err := Classify(mustDescriptor(t, Declaration{Name: "getNothing"}))
	if !ferrors.IsConfiguration(err) {
		t.Fatalf("expect configuration error, got %v", err)
	}
}

func TestClassifyAmbiguousKinds(t *testing.T) {
	_, err := Classify(mustDescriptor(t, Declaration{
		Name:           "getStop",
		Returns:        OrderedSequence,
		ByPartitionKey: &KeyArgument{Argument: 0},
		ByAggregate:    &AggregateArguments{},
	}))
	if !ferrors.IsConfiguration(err) {
		t.Fatalf("expect configuration error, got %v", err)
	}
}

func TestClassifyAggregateRequiresCollectionShape(t *testing.T) {
	_, err := Classify(mustDescriptor(t, Declaration{Name: "getCount", Returns: Scalar, ByAggregate: &AggregateArguments{}}))
	if !ferrors.IsConfiguration(err) {
		t.Fatalf("expect configuration error for scalar aggregate, got %v", err)
	}
}

func TestClassifyRejectsBadParameters(t *testing.T) {
	cases := []Declaration{
		{Name: "negative", ByPartitionKey: &KeyArgument{Argument: -1}},
		{Name: "badPath", ByEntityID: &KeyArgument{Argument: 0, Property: "stop..id"}},
		{Name: "noProperties", ByAnyEntityID: &AnyKeyArgument{Argument: 0}},
		{Name: "scalarIds", Returns: Scalar, ByEntityIDs: &CollectionArgument{Argument: 0}},
		{Name: "negativeLat", Returns: OrderedSequence, ByLocation: &LocationArguments{Lat: -2, Lon: 1}},
	}
	for _, decl := range cases {
		if _, err := Classify(mustDescriptor(t, decl)); !ferrors.IsConfiguration(err) {
			t.Fatalf("%s: expect configuration error, got %v", decl.Name, err)
		}
	}
}

func TestRegistryMemoizes(t *testing.T) {
	r := NewRegistry()
	d := mustDescriptor(t, Declaration{Name: "getStop", ByEntityID: &KeyArgument{Argument: 0}})

	var wg sync.WaitGroup
	results := make([]Strategy, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Classify(d)
			if err != nil {
				t.Errorf("classify: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	first := results[0].(EntityIDStrategy)
	for _, s := range results[1:] {
		if s.(EntityIDStrategy).Argument != first.Argument {
			t.Fatal("expect every caller to see the same strategy")
		}
	}
}

func TestRegistryMemoizesFailures(t *testing.T) {
	r := NewRegistry()
	d := mustDescriptor(t, Declaration{Name: "broken"})
	_, err1 := r.Classify(d)
	_, err2 := r.Classify(d)
	if err1 == nil || err1 != err2 {
		t.Fatalf("expect the same cached error twice, got %v and %v", err1, err2)
	}
}

func TestDescriptorIsolatedFromSource(t *testing.T) {
	decl := Declaration{Name: "getArrivals", ByAnyEntityID: &AnyKeyArgument{Argument: 0, Properties: []string{"stopId"}}}
	d := mustDescriptor(t, decl)

	decl.ByAnyEntityID.Properties[0] = "mutated"
	decl.ByAnyEntityID.Argument = 5

	got := d.Declaration().ByAnyEntityID
	if got.Properties[0] != "stopId" || got.Argument != 0 {
		t.Fatalf("descriptor changed with its source: %+v", got)
	}
}

func TestNewDescriptorValidation(t *testing.T) {
	if _, err := NewDescriptor(Declaration{}); !ferrors.IsConfiguration(err) {
		t.Fatalf("expect configuration error for missing name, got %v", err)
	}
	if _, err := NewDescriptor(Declaration{Name: "x", Returns: Shape(9)}); !ferrors.IsConfiguration(err) {
		t.Fatalf("expect configuration error for unknown shape, got %v", err)
	}
}

func TestTable(t *testing.T) {
	table, err := NewTable([]Declaration{
		{Name: "getStop", ByEntityID: &KeyArgument{}},
		{Name: "getAgencies", Returns: OrderedSequence, ByAggregate: &AggregateArguments{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if table.Len() != 2 {
		t.Fatalf("expect 2 methods, got %d", table.Len())
	}
	if names := table.Names(); names[0] != "getAgencies" || names[1] != "getStop" {
		t.Fatalf("expect sorted names, got %v", names)
	}
	if _, ok := table.Lookup("getStop"); !ok {
		t.Fatal("expect getStop to be found")
	}

	_, err = NewTable([]Declaration{{Name: "dup"}, {Name: "dup"}})
	if !ferrors.IsConfiguration(err) {
		t.Fatalf("expect configuration error for duplicate, got %v", err)
	}
}

func TestParseShape(t *testing.T) {
	for _, s := range []Shape{Scalar, OrderedSequence, KeyValueMapping} {
		parsed, err := ParseShape(s.String())
		if err != nil || parsed != s {
			t.Fatalf("expect %v, got %v (%v)", s, parsed, err)
		}
	}
	if _, err := ParseShape("list"); err == nil {
		t.Fatal("expect error for unknown shape")
	}
}
