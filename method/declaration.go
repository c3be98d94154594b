// Package method classifies federated methods into dispatch strategies.
//
// A method is described once by a static Declaration (usually a row of the
// YAML method table). The declaration names exactly one dispatch kind and
// the arguments that kind routes on:
//
//	- name: getStop
//	  returns: scalar
//	  byEntityId: {argument: 0}
//
//	- name: getAgenciesWithCoverage
//	  returns: ordered-sequence
//	  byAggregate: {}
//
// Classify turns a Descriptor into a Strategy; Registry memoizes that per
// descriptor for the lifetime of the process.
package method

import (
	"fmt"
	"strings"
)

// Shape is the declared return shape of a method.
type Shape int

const (
	Scalar Shape = iota
	OrderedSequence
	KeyValueMapping
)

var shapeNames = map[Shape]string{
	Scalar:          "scalar",
	OrderedSequence: "ordered-sequence",
	KeyValueMapping: "key-value-mapping",
}

func (s Shape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

// ParseShape parses the configuration name of a shape.
func ParseShape(name string) (Shape, error) {
	for s, n := range shapeNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown return shape %q", name)
}

func (s Shape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Shape) UnmarshalText(text []byte) error {
	parsed, err := ParseShape(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Kind tags one routing algorithm.
type Kind int

const (
	ByPartitionKey Kind = iota + 1
	ByEntityID
	ByAnyEntityID
	ByEntityIDs
	ByBounds
	ByCoordinateBounds
	ByLocation
	ByAggregate
)

func (k Kind) String() string {
	switch k {
	case ByPartitionKey:
		return "byPartitionKey"
	case ByEntityID:
		return "byEntityId"
	case ByAnyEntityID:
		return "byAnyEntityId"
	case ByEntityIDs:
		return "byEntityIds"
	case ByBounds:
		return "byBounds"
	case ByCoordinateBounds:
		return "byCoordinateBounds"
	case ByLocation:
		return "byLocation"
	case ByAggregate:
		return "byAggregate"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KeyArgument locates a routing value: the argument at position Argument,
// optionally followed along a dotted Property path.
type KeyArgument struct {
	Argument int    `yaml:"argument"`
	Property string `yaml:"property,omitempty"`
}

// AnyKeyArgument tries Properties in order on one argument.
type AnyKeyArgument struct {
	Argument   int      `yaml:"argument"`
	Properties []string `yaml:"properties"`
}

// CollectionArgument names an argument holding a collection of entity ids.
type CollectionArgument struct {
	Argument int `yaml:"argument"`
}

// BoundsArguments gives the positions of two corner coordinates.
type BoundsArguments struct {
	Lat1 int `yaml:"lat1"`
	Lon1 int `yaml:"lon1"`
	Lat2 int `yaml:"lat2"`
	Lon2 int `yaml:"lon2"`
}

// LocationArguments gives the positions of a point's coordinates.
type LocationArguments struct {
	Lat int `yaml:"lat"`
	Lon int `yaml:"lon"`
}

// AggregateArguments carries no parameters; its presence selects ByAggregate.
type AggregateArguments struct{}

// Declaration is one row of the static method table. Exactly one of the
// By* blocks must be set.
type Declaration struct {
	Name    string `yaml:"name"`
	Returns Shape  `yaml:"returns"`

	ByPartitionKey     *KeyArgument        `yaml:"byPartitionKey,omitempty"`
	ByEntityID         *KeyArgument        `yaml:"byEntityId,omitempty"`
	ByAnyEntityID      *AnyKeyArgument     `yaml:"byAnyEntityId,omitempty"`
	ByEntityIDs        *CollectionArgument `yaml:"byEntityIds,omitempty"`
	ByBounds           *BoundsArguments    `yaml:"byBounds,omitempty"`
	ByCoordinateBounds *KeyArgument        `yaml:"byCoordinateBounds,omitempty"`
	ByLocation         *LocationArguments  `yaml:"byLocation,omitempty"`
	ByAggregate        *AggregateArguments `yaml:"byAggregate,omitempty"`
}

// declaredKinds lists the kinds d names, in Kind order.
func (d *Declaration) declaredKinds() []Kind {
	var kinds []Kind
	if d.ByPartitionKey != nil {
		kinds = append(kinds, ByPartitionKey)
	}
	if d.ByEntityID != nil {
		kinds = append(kinds, ByEntityID)
	}
	if d.ByAnyEntityID != nil {
		kinds = append(kinds, ByAnyEntityID)
	}
	if d.ByEntityIDs != nil {
		kinds = append(kinds, ByEntityIDs)
	}
	if d.ByBounds != nil {
		kinds = append(kinds, ByBounds)
	}
	if d.ByCoordinateBounds != nil {
		kinds = append(kinds, ByCoordinateBounds)
	}
	if d.ByLocation != nil {
		kinds = append(kinds, ByLocation)
	}
	if d.ByAggregate != nil {
		kinds = append(kinds, ByAggregate)
	}
	return kinds
}

// clone deep-copies d so a Descriptor never shares memory with its source.
func (d Declaration) clone() Declaration {
	c := d
	if d.ByPartitionKey != nil {
		v := *d.ByPartitionKey
		c.ByPartitionKey = &v
	}
	if d.ByEntityID != nil {
		v := *d.ByEntityID
		c.ByEntityID = &v
	}
	if d.ByAnyEntityID != nil {
		v := *d.ByAnyEntityID
		v.Properties = append([]string(nil), d.ByAnyEntityID.Properties...)
		c.ByAnyEntityID = &v
	}
	if d.ByEntityIDs != nil {
		v := *d.ByEntityIDs
		c.ByEntityIDs = &v
	}
	if d.ByBounds != nil {
		v := *d.ByBounds
		c.ByBounds = &v
	}
	if d.ByCoordinateBounds != nil {
		v := *d.ByCoordinateBounds
		c.ByCoordinateBounds = &v
	}
	if d.ByLocation != nil {
		v := *d.ByLocation
		c.ByLocation = &v
	}
	if d.ByAggregate != nil {
		c.ByAggregate = &AggregateArguments{}
	}
	return c
}
