// Package aggregate merges the partial results of a multi-instance call into
// one logical result.
//
// Merging is a pure function of the partials' positions, never of the order
// in which they completed:
//
//	ordered-sequence   concatenation in position order
//	key-value-mapping  union in position order; on a key collision the
//	                   later position wins
//
// When every payload has the same concrete type the merged result keeps that
// type ([]Stop stays []Stop). Mixed payloads fall back to []any or
// map[any]any.
package aggregate

import (
	"fmt"
	"reflect"
	"sort"

	ferrors "federation-rpc/errors"
	"federation-rpc/method"
)

// Partial is the outcome of one instance in a fan-out.
type Partial struct {
	Index     int    // position in the fan-out (snapshot order)
	Partition string // partition that produced it
	Value     any
	Err       error
}

func (p Partial) Failed() bool { return p.Err != nil }

// Merge combines the successful partials according to shape. Failed partials
// are skipped. A successful payload of the wrong kind fails with a
// TypeMismatchError; a nil payload counts as empty.
func Merge(shape method.Shape, parts []Partial) (any, error) {
	ordered := append([]Partial(nil), parts...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	switch shape {
	case method.OrderedSequence:
		return mergeSequences(ordered)
	case method.KeyValueMapping:
		return mergeMappings(ordered)
	}
	return nil, ferrors.NewConfigurationError("", "cannot merge results of shape %s", shape)
}

// payloads returns the non-nil successful values checked against kinds, and
// the common type when all share one.
func payloads(parts []Partial, shape method.Shape, kinds ...reflect.Kind) ([]reflect.Value, reflect.Type, error) {
	var (
		values []reflect.Value
		common reflect.Type
		mixed  bool
	)
	for _, p := range parts {
		if p.Failed() || p.Value == nil {
			continue
		}
		rv := reflect.ValueOf(p.Value)
		if !kindIn(rv.Kind(), kinds) {
			return nil, nil, ferrors.NewTypeMismatchError(p.Partition, shape.String(), describe(p.Value))
		}
		if rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				continue
			}
		}
		switch {
		case common == nil && !mixed:
			common = rv.Type()
		case common != rv.Type():
			common, mixed = nil, true
		}
		values = append(values, rv)
	}
	return values, common, nil
}

func mergeSequences(parts []Partial) (any, error) {
	values, common, err := payloads(parts, method.OrderedSequence, reflect.Slice, reflect.Array)
	if err != nil {
		return nil, err
	}

	if common != nil && common.Kind() == reflect.Slice {
		total := 0
		for _, v := range values {
			total += v.Len()
		}
		out := reflect.MakeSlice(common, 0, total)
		for _, v := range values {
			out = reflect.AppendSlice(out, v)
		}
		return out.Interface(), nil
	}

	out := []any{}
	for _, v := range values {
		for i := 0; i < v.Len(); i++ {
			out = append(out, v.Index(i).Interface())
		}
	}
	return out, nil
}

func mergeMappings(parts []Partial) (any, error) {
	values, common, err := payloads(parts, method.KeyValueMapping, reflect.Map)
	if err != nil {
		return nil, err
	}

	if len(values) == 0 {
		return map[string]any{}, nil
	}

	if common != nil {
		out := reflect.MakeMap(common)
		for _, v := range values {
			iter := v.MapRange()
			for iter.Next() {
				out.SetMapIndex(iter.Key(), iter.Value())
			}
		}
		return out.Interface(), nil
	}

	out := make(map[any]any)
	for _, v := range values {
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().Interface()] = iter.Value().Interface()
		}
	}
	return out, nil
}

// Batch is the result of one per-partition call of a batched dispatch.
// Indices[i] is the original position of the i-th element of Value.
type Batch struct {
	Partition string
	Indices   []int
	Value     any
}

// Resequence rebuilds a sequence of n elements from batches, placing every
// element at its original position. Each batch must be a sequence with one
// element per index.
func Resequence(n int, batches []Batch) (any, error) {
	var (
		values = make([]reflect.Value, len(batches))
		common reflect.Type
		mixed  bool
	)
	for i, b := range batches {
		rv := reflect.ValueOf(b.Value)
		if b.Value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return nil, ferrors.NewTypeMismatchError(b.Partition, method.OrderedSequence.String(), describe(b.Value))
		}
		if rv.Len() != len(b.Indices) {
			return nil, ferrors.NewTypeMismatchError(b.Partition,
				fmt.Sprintf("sequence of %d elements", len(b.Indices)),
				fmt.Sprintf("sequence of %d elements", rv.Len()))
		}
		switch {
		case common == nil && !mixed:
			common = rv.Type()
		case common != rv.Type():
			common, mixed = nil, true
		}
		values[i] = rv
	}

	if common != nil && common.Kind() == reflect.Slice {
		out := reflect.MakeSlice(common, n, n)
		for i, b := range batches {
			for j, idx := range b.Indices {
				out.Index(idx).Set(values[i].Index(j))
			}
		}
		return out.Interface(), nil
	}

	out := make([]any, n)
	for i, b := range batches {
		for j, idx := range b.Indices {
			out[idx] = values[i].Index(j).Interface()
		}
	}
	return out, nil
}

func kindIn(k reflect.Kind, kinds []reflect.Kind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func describe(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
