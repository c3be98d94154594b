// Package message defines what travels between the dispatcher, the transport
// and the serving edge.
//
// Call is the in-process form of one instance invocation. RPCMessage is its
// wire envelope: it is serialized by the codec layer and wrapped in a
// protocol frame.
package message

// Call is one invocation of a method on the instance owning Partition.
type Call struct {
	Partition string
	Method    string
	Args      []any
}

// RPCMessage carries a single request or response.
//
//   - On request:  Partition and Method are set, Payload is the JSON array of arguments.
//   - On response: Payload is the JSON-encoded result, Error is non-empty if the call failed.
type RPCMessage struct {
	Partition string // partition key the request is addressed to, e.g. "1"
	Method    string // logical method name, e.g. "getStop"
	Error     string
	Payload   []byte
}
