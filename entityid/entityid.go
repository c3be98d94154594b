// Package entityid maps entity identifiers to the partition that owns them.
//
// An entity identifier carries its owning partition key as a prefix:
//
//	"1_75403"  →  partition "1", local id "75403"
//
// The local part is opaque to the federation layer.
package entityid

import (
	"fmt"
	"reflect"
	"strings"
)

// DefaultSeparator joins the partition key and the local id.
const DefaultSeparator = "_"

// Codec extracts the owning partition key from an entity identifier.
// Implementations must be pure and safe for concurrent use.
type Codec interface {
	PartitionKey(id string) (string, error)
}

// PrefixCodec splits identifiers on the first occurrence of Separator.
type PrefixCodec struct {
	Separator string // defaults to DefaultSeparator when empty
}

func (c PrefixCodec) separator() string {
	if c.Separator == "" {
		return DefaultSeparator
	}
	return c.Separator
}

// PartitionKey returns the prefix of id before the first separator.
func (c PrefixCodec) PartitionKey(id string) (string, error) {
	partition, _, err := c.Split(id)
	return partition, err
}

// Split returns both halves of id.
func (c PrefixCodec) Split(id string) (partition, local string, err error) {
	partition, local, ok := strings.Cut(id, c.separator())
	if !ok {
		return "", "", fmt.Errorf("entity id %q has no partition prefix", id)
	}
	if partition == "" {
		return "", "", fmt.Errorf("entity id %q has an empty partition prefix", id)
	}
	return partition, local, nil
}

// Join builds an identifier from its partition key and local id.
func (c PrefixCodec) Join(partition, local string) string {
	return partition + c.separator() + local
}

// Default is the codec used when none is configured.
var Default Codec = PrefixCodec{}

// Join builds an identifier with the default separator.
func Join(partition, local string) string {
	return PrefixCodec{}.Join(partition, local)
}

// Split splits id with the default separator.
func Split(id string) (partition, local string, err error) {
	return PrefixCodec{}.Split(id)
}

// String converts an identifier value to its string form. Identifiers may be
// plain strings or values implementing fmt.Stringer.
func String(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, true
	case *string:
		if id == nil {
			return "", false
		}
		return *id, true
	case fmt.Stringer:
		// A nil pointer behind the interface would panic in String
		if rv := reflect.ValueOf(id); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return "", false
		}
		return id.String(), true
	default:
		return "", false
	}
}
