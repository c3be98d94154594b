package method

import (
	"sort"

	ferrors "federation-rpc/errors"
)

// Descriptor identifies one logical method and its dispatch declaration.
// It is immutable once built and compared by identity.
type Descriptor struct {
	name string
	decl Declaration
}

// NewDescriptor validates decl and freezes it into a Descriptor. Only the
// fields every method needs are checked here; the dispatch block itself is
// validated by Classify.
func NewDescriptor(decl Declaration) (*Descriptor, error) {
	if decl.Name == "" {
		return nil, ferrors.NewConfigurationError("", "method name is required")
	}
	if _, ok := shapeNames[decl.Returns]; !ok {
		return nil, ferrors.NewConfigurationError(decl.Name, "unknown return shape %v", decl.Returns)
	}
	return &Descriptor{name: decl.Name, decl: decl.clone()}, nil
}

func (d *Descriptor) Name() string { return d.name }

func (d *Descriptor) Returns() Shape { return d.decl.Returns }

// Declaration returns a copy of the declaration d was built from.
func (d *Descriptor) Declaration() Declaration { return d.decl.clone() }

// Table maps method names to descriptors.
type Table struct {
	byName map[string]*Descriptor
}

// NewTable builds a table from declarations. Method names must be unique.
func NewTable(decls []Declaration) (*Table, error) {
	t := &Table{byName: make(map[string]*Descriptor, len(decls))}
	for _, decl := range decls {
		d, err := NewDescriptor(decl)
		if err != nil {
			return nil, err
		}
		if _, dup := t.byName[d.name]; dup {
			return nil, ferrors.NewConfigurationError(d.name, "method declared more than once")
		}
		t.byName[d.name] = d
	}
	return t, nil
}

// Lookup returns the descriptor registered under name.
func (t *Table) Lookup(name string) (*Descriptor, bool) {
	d, ok := t.byName[name]
	return d, ok
}

// Names returns all method names in ascending order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) Len() int { return len(t.byName) }
