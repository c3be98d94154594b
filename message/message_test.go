package message

import (
	"encoding/json"
	"testing"
)

func TestRequestPayloadIsArgumentArray(t *testing.T) {
	call := Call{Partition: "1", Method: "getStop", Args: []any{"1_75403", 3}}

	payload, err := json.Marshal(call.Args)
	if err != nil {
		t.Fatal(err)
	}
	req := &RPCMessage{Partition: call.Partition, Method: call.Method, Payload: payload}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	var decoded RPCMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal with error: %v", err)
	}

	var args []any
	if err := json.Unmarshal(decoded.Payload, &args); err != nil {
		t.Fatal(err)
	}
	if len(args) != 2 || args[0] != "1_75403" || args[1] != float64(3) {
		t.Fatalf("expect [1_75403 3], got %v", args)
	}
	if decoded.Partition != "1" || decoded.Method != "getStop" {
		t.Fatalf("expect routing fields to survive, got %+v", decoded)
	}
}
