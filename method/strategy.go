package method

import (
	"strings"
	"sync"

	ferrors "federation-rpc/errors"
)

// Strategy is the classified dispatch strategy of one method. The set of
// implementations is closed: one type per Kind, all defined in this package.
type Strategy interface {
	Kind() Kind
	Method() string
	Returns() Shape
	sealed()
}

type base struct {
	method  string
	returns Shape
}

func (b base) Method() string { return b.method }
func (b base) Returns() Shape { return b.returns }
func (base) sealed()          {}

// PartitionKeyStrategy routes to the partition named directly by an argument.
type PartitionKeyStrategy struct {
	base
	Argument int
	path     Path
}

func (PartitionKeyStrategy) Kind() Kind { return ByPartitionKey }

// Path returns a copy of the property path inside the argument.
func (s PartitionKeyStrategy) Path() Path { return append(Path(nil), s.path...) }

// EntityIDStrategy routes to the partition owning one entity id argument.
type EntityIDStrategy struct {
	base
	Argument int
	path     Path
}

func (EntityIDStrategy) Kind() Kind { return ByEntityID }

// Path returns a copy of the property path inside the argument.
func (s EntityIDStrategy) Path() Path { return append(Path(nil), s.path...) }

// AnyEntityIDStrategy routes on the first non-nil entity id among Paths.
type AnyEntityIDStrategy struct {
	base
	Argument int
	paths    []Path
}

func (AnyEntityIDStrategy) Kind() Kind { return ByAnyEntityID }

// Paths returns a copy of the candidate property paths, in precedence order.
func (s AnyEntityIDStrategy) Paths() []Path {
	paths := make([]Path, len(s.paths))
	for i, p := range s.paths {
		paths[i] = append(Path(nil), p...)
	}
	return paths
}

// Resolve returns the first non-nil value found along the paths in v.
func (s AnyEntityIDStrategy) Resolve(v any) (any, bool) {
	for _, p := range s.paths {
		if found, ok := p.Resolve(v); ok {
			return found, true
		}
	}
	return nil, false
}

// EntityIDsStrategy splits a collection of entity ids into one batch per
// owning partition.
type EntityIDsStrategy struct {
	base
	Argument int
}

func (EntityIDsStrategy) Kind() Kind { return ByEntityIDs }

// BoundsStrategy fans out to instances whose area intersects the box given
// by four coordinate arguments.
type BoundsStrategy struct {
	base
	Lat1, Lon1, Lat2, Lon2 int
}

func (BoundsStrategy) Kind() Kind { return ByBounds }

// CoordinateBoundsStrategy fans out to instances whose area intersects a
// bounds value carried by one argument.
type CoordinateBoundsStrategy struct {
	base
	Argument int
	path     Path
}

func (CoordinateBoundsStrategy) Kind() Kind { return ByCoordinateBounds }

// Path returns a copy of the property path inside the argument.
func (s CoordinateBoundsStrategy) Path() Path { return append(Path(nil), s.path...) }

// LocationStrategy fans out to instances whose area contains a point.
type LocationStrategy struct {
	base
	Lat, Lon int
}

func (LocationStrategy) Kind() Kind { return ByLocation }

// AggregateStrategy fans out to every registered instance.
type AggregateStrategy struct {
	base
}

func (AggregateStrategy) Kind() Kind { return ByAggregate }

// Classify derives the strategy declared by d. It fails with a
// ConfigurationError when d declares no kind, several kinds, or parameters
// the kind cannot work with.
func Classify(d *Descriptor) (Strategy, error) {
	decl := &d.decl
	kinds := decl.declaredKinds()
	switch len(kinds) {
	case 0:
		return nil, ferrors.NewConfigurationError(d.name, "no dispatch kind declared")
	case 1:
	default:
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = k.String()
		}
		return nil, ferrors.NewConfigurationError(d.name, "ambiguous dispatch, declares %s", strings.Join(names, ", "))
	}

	b := base{method: d.name, returns: decl.Returns}

	switch kinds[0] {
	case ByPartitionKey:
		path, err := keyPath(d.name, decl.ByPartitionKey)
		if err != nil {
			return nil, err
		}
		return PartitionKeyStrategy{base: b, Argument: decl.ByPartitionKey.Argument, path: path}, nil

	case ByEntityID:
		path, err := keyPath(d.name, decl.ByEntityID)
		if err != nil {
			return nil, err
		}
		return EntityIDStrategy{base: b, Argument: decl.ByEntityID.Argument, path: path}, nil

	case ByAnyEntityID:
		a := decl.ByAnyEntityID
		if err := checkPositions(d.name, a.Argument); err != nil {
			return nil, err
		}
		if len(a.Properties) == 0 {
			return nil, ferrors.NewConfigurationError(d.name, "byAnyEntityId requires at least one property")
		}
		paths := make([]Path, len(a.Properties))
		for i, p := range a.Properties {
			path, err := ParsePath(p)
			if err != nil {
				return nil, ferrors.NewConfigurationError(d.name, "%v", err)
			}
			paths[i] = path
		}
		return AnyEntityIDStrategy{base: b, Argument: a.Argument, paths: paths}, nil

	case ByEntityIDs:
		if err := checkPositions(d.name, decl.ByEntityIDs.Argument); err != nil {
			return nil, err
		}
		if decl.Returns != OrderedSequence {
			return nil, ferrors.NewConfigurationError(d.name, "byEntityIds requires return shape %s, declared %s", OrderedSequence, decl.Returns)
		}
		return EntityIDsStrategy{base: b, Argument: decl.ByEntityIDs.Argument}, nil

	case ByBounds:
		a := decl.ByBounds
		if err := checkPositions(d.name, a.Lat1, a.Lon1, a.Lat2, a.Lon2); err != nil {
			return nil, err
		}
		return BoundsStrategy{base: b, Lat1: a.Lat1, Lon1: a.Lon1, Lat2: a.Lat2, Lon2: a.Lon2}, nil

	case ByCoordinateBounds:
		path, err := keyPath(d.name, decl.ByCoordinateBounds)
		if err != nil {
			return nil, err
		}
		return CoordinateBoundsStrategy{base: b, Argument: decl.ByCoordinateBounds.Argument, path: path}, nil

	case ByLocation:
		a := decl.ByLocation
		if err := checkPositions(d.name, a.Lat, a.Lon); err != nil {
			return nil, err
		}
		return LocationStrategy{base: b, Lat: a.Lat, Lon: a.Lon}, nil

	case ByAggregate:
		if decl.Returns != OrderedSequence && decl.Returns != KeyValueMapping {
			return nil, ferrors.NewConfigurationError(d.name, "byAggregate requires return shape %s or %s, declared %s",
				OrderedSequence, KeyValueMapping, decl.Returns)
		}
		return AggregateStrategy{base: b}, nil
	}

	return nil, ferrors.NewConfigurationError(d.name, "unsupported dispatch kind %v", kinds[0])
}

func keyPath(method string, a *KeyArgument) (Path, error) {
	if err := checkPositions(method, a.Argument); err != nil {
		return nil, err
	}
	path, err := ParsePath(a.Property)
	if err != nil {
		return nil, ferrors.NewConfigurationError(method, "%v", err)
	}
	return path, nil
}

func checkPositions(method string, positions ...int) error {
	for _, p := range positions {
		if p < 0 {
			return ferrors.NewConfigurationError(method, "negative argument position %d", p)
		}
	}
	return nil
}

type classification struct {
	strategy Strategy
	err      error
}

// Registry memoizes Classify per descriptor. Safe for concurrent use.
type Registry struct {
	cache sync.Map // *Descriptor → classification
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Classify returns the cached strategy for d, classifying it on first use.
// Failures are cached as well since classification is deterministic.
func (r *Registry) Classify(d *Descriptor) (Strategy, error) {
	if v, ok := r.cache.Load(d); ok {
		c := v.(classification)
		return c.strategy, c.err
	}
	s, err := Classify(d)
	v, _ := r.cache.LoadOrStore(d, classification{strategy: s, err: err})
	c := v.(classification)
	return c.strategy, c.err
}
