package method

import (
	"fmt"
	"reflect"
	"strings"
)

// Path is a parsed dotted property path such as "stop.agencyId". The empty
// path resolves to the value itself.
type Path []string

// ParsePath splits expr on dots. Empty segments are rejected.
func ParsePath(expr string) (Path, error) {
	if expr == "" {
		return nil, nil
	}
	segments := strings.Split(expr, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("invalid property path %q", expr)
		}
	}
	return Path(segments), nil
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Getter lets a value expose properties without being walked reflectively.
type Getter interface {
	Property(name string) (any, bool)
}

// Resolve follows p from v. It reports false when any hop is missing or nil,
// including a nil final value.
//
// Each segment is looked up, in order, through Getter, as a key of a map with
// string keys, or as an exported struct field (exact name first, then case
// insensitive, so "agencyId" finds AgencyID).
func (p Path) Resolve(v any) (any, bool) {
	cur := v
	for _, segment := range p {
		next, ok := property(cur, segment)
		if !ok {
			return nil, false
		}
		cur = next
	}
	if isNil(cur) {
		return nil, false
	}
	return cur, true
}

func property(v any, name string) (any, bool) {
	if v == nil {
		return nil, false
	}
	if g, ok := v.(Getter); ok {
		return g.Property(name)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		keyType := rv.Type().Key()
		if keyType.Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(keyType))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true

	case reflect.Struct:
		typ := rv.Type()
		if sf, ok := typ.FieldByName(name); ok && sf.IsExported() {
			return field(rv, sf)
		}
		for _, sf := range reflect.VisibleFields(typ) {
			if sf.IsExported() && !sf.Anonymous && strings.EqualFold(sf.Name, name) {
				return field(rv, sf)
			}
		}
	}
	return nil, false
}

func field(rv reflect.Value, sf reflect.StructField) (any, bool) {
	fv, err := rv.FieldByIndexErr(sf.Index)
	if err != nil {
		// nil embedded pointer on the way to a promoted field
		return nil, false
	}
	return fv.Interface(), true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
