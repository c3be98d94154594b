package dispatch

import (
	"encoding/json"
	"fmt"
	"reflect"

	"federation-rpc/entityid"
	ferrors "federation-rpc/errors"
	"federation-rpc/geo"
	"federation-rpc/method"
)

func argumentAt(name string, args []any, pos int) (any, error) {
	if pos < 0 || pos >= len(args) {
		return nil, ferrors.NewConfigurationError(name, "argument %d requested, call has %d arguments", pos, len(args))
	}
	return args[pos], nil
}

// keyValue resolves the value at args[pos] followed along path.
func keyValue(name string, args []any, pos int, path method.Path) (any, bool, error) {
	arg, err := argumentAt(name, args, pos)
	if err != nil {
		return nil, false, err
	}
	v, ok := path.Resolve(arg)
	return v, ok, nil
}

func (d *Dispatcher) partitionKey(name string, args []any, pos int, path method.Path) (string, error) {
	v, ok, err := keyValue(name, args, pos, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ferrors.NewRoutingError(name, "", fmt.Sprintf("no partition key at argument %d%s", pos, pathSuffix(path)))
	}
	key, ok := entityid.String(v)
	if !ok {
		return "", ferrors.NewConfigurationError(name, "partition key at argument %d%s is %T, expected a string", pos, pathSuffix(path), v)
	}
	if key == "" {
		return "", ferrors.NewRoutingError(name, "", fmt.Sprintf("empty partition key at argument %d%s", pos, pathSuffix(path)))
	}
	return key, nil
}

func (d *Dispatcher) entityPartition(name string, args []any, pos int, path method.Path) (string, error) {
	v, ok, err := keyValue(name, args, pos, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ferrors.NewRoutingError(name, "", fmt.Sprintf("no entity id at argument %d%s", pos, pathSuffix(path)))
	}
	return d.partitionOf(name, v)
}

func (d *Dispatcher) anyEntityPartition(name string, args []any, st method.AnyEntityIDStrategy) (string, error) {
	arg, err := argumentAt(name, args, st.Argument)
	if err != nil {
		return "", err
	}
	if v, ok := st.Resolve(arg); ok {
		return d.partitionOf(name, v)
	}
	return "", ferrors.NewConfigurationError(name, "every entity id property of argument %d is nil", st.Argument)
}

func (d *Dispatcher) partitionOf(name string, v any) (string, error) {
	id, ok := entityid.String(v)
	if !ok {
		return "", ferrors.NewConfigurationError(name, "entity id is %T, expected a string", v)
	}
	key, err := d.codec.PartitionKey(id)
	if err != nil {
		return "", ferrors.NewRoutingError(name, "", err.Error())
	}
	return key, nil
}

func pathSuffix(path method.Path) string {
	if len(path) == 0 {
		return ""
	}
	return " property " + path.String()
}

func boundsArgs(name string, args []any, st method.BoundsStrategy) (geo.Bounds, error) {
	var c [4]float64
	for i, pos := range []int{st.Lat1, st.Lon1, st.Lat2, st.Lon2} {
		f, err := coordinateAt(name, args, pos)
		if err != nil {
			return geo.Bounds{}, err
		}
		c[i] = f
	}
	return geo.NewBounds(c[0], c[1], c[2], c[3]), nil
}

func locationArgs(name string, args []any, st method.LocationStrategy) (geo.Point, error) {
	lat, err := coordinateAt(name, args, st.Lat)
	if err != nil {
		return geo.Point{}, err
	}
	lon, err := coordinateAt(name, args, st.Lon)
	if err != nil {
		return geo.Point{}, err
	}
	return geo.Point{Lat: lat, Lon: lon}, nil
}

func coordinateAt(name string, args []any, pos int) (float64, error) {
	v, err := argumentAt(name, args, pos)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, ferrors.NewConfigurationError(name, "argument %d is %T, expected a coordinate", pos, v)
	}
	return f, nil
}

var boundsProperties = []method.Path{{"minLat"}, {"minLon"}, {"maxLat"}, {"maxLon"}}

// coordinateBoundsArg reads a bounds value: a geo.Bounds, or anything
// exposing minLat, minLon, maxLat and maxLon properties.
func coordinateBoundsArg(name string, args []any, st method.CoordinateBoundsStrategy) (geo.Bounds, error) {
	v, ok, err := keyValue(name, args, st.Argument, st.Path())
	if err != nil {
		return geo.Bounds{}, err
	}
	if !ok {
		return geo.Bounds{}, ferrors.NewConfigurationError(name, "no bounds at argument %d%s", st.Argument, pathSuffix(st.Path()))
	}

	switch b := v.(type) {
	case geo.Bounds:
		return b, nil
	case *geo.Bounds:
		return *b, nil
	}

	var c [4]float64
	for i, p := range boundsProperties {
		raw, ok := p.Resolve(v)
		if !ok {
			return geo.Bounds{}, ferrors.NewConfigurationError(name, "bounds at argument %d%s has no %s", st.Argument, pathSuffix(st.Path()), p)
		}
		f, ok := toFloat(raw)
		if !ok {
			return geo.Bounds{}, ferrors.NewConfigurationError(name, "bounds %s is %T, expected a coordinate", p, raw)
		}
		c[i] = f
	}
	return geo.NewBounds(c[0], c[1], c[2], c[3]), nil
}

func toFloat(v any) (float64, bool) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}
