package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"federation-rpc/codec"
	"federation-rpc/geo"
	"federation-rpc/message"
	"federation-rpc/middleware"
	"federation-rpc/registry"
	"federation-rpc/transport"
)

func agency(name string) registry.InstanceFunc {
	return func(ctx context.Context, methodName string, args []any) (any, error) {
		switch methodName {
		case "getAgency":
			return map[string]any{"id": name, "args": len(args)}, nil
		case "sleep":
			time.Sleep(100 * time.Millisecond)
			return "awake", nil
		}
		return nil, errors.New("no such method")
	}
}

func start(t *testing.T, svr *Server, disc registry.Discovery) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- svr.Serve("tcp", "127.0.0.1:0", "", disc) }()
	select {
	case <-svr.Ready():
	case err := <-errc:
		t.Fatal(err)
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
}

func discover(t *testing.T, disc registry.Discovery) []registry.Endpoint {
	t.Helper()
	eps, err := disc.Discover(context.Background(), "transit")
	if err != nil {
		t.Fatal(err)
	}
	return eps
}

func TestServeRoutesByPartition(t *testing.T) {
	svr := NewServer("transit")
	svr.Register("1", agency("kcm"))
	svr.Register("40", agency("st"))
	start(t, svr, nil)
	defer svr.Shutdown(time.Second)

	tr, err := transport.Dial(context.Background(), svr.Addr().String(), codec.CodecTypeBinary)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	for key, want := range map[string]string{"1": "kcm", "40": "st"} {
		payload, err := tr.Call(context.Background(), key, "getAgency", []any{"x", 2})
		if err != nil {
			t.Fatal(err)
		}
		var got struct {
			ID   string
			Args int
		}
		json.Unmarshal(payload, &got)
		if got.ID != want || got.Args != 2 {
			t.Fatalf("expect %s with 2 args, got %+v", want, got)
		}
	}
}

func TestServePublishesPartitions(t *testing.T) {
	disc := registry.NewMemoryRegistry()
	svr := NewServer("transit")
	svr.Weight = 3
	seattle := geo.NewBounds(47.4, -122.5, 47.8, -122.1)
	svr.Register("1", agency("kcm"), seattle)
	svr.Register("40", agency("st"))
	start(t, svr, disc)

	eps := discover(t, disc)
	if len(eps) != 2 || eps[0].Partition != "1" || eps[1].Partition != "40" {
		t.Fatalf("expect partitions 1 and 40 published, got %+v", eps)
	}
	if eps[0].Addr != svr.Addr().String() || eps[0].Weight != 3 {
		t.Fatalf("expect listen address and weight published, got %+v", eps[0])
	}
	if len(eps[0].Coverage) != 1 || eps[0].Coverage[0] != seattle {
		t.Fatalf("expect coverage published, got %v", eps[0].Coverage)
	}

	// Registering while serving publishes at once
	svr.Register("3", agency("pt"))
	if eps := discover(t, disc); len(eps) != 3 {
		t.Fatalf("expect 3 endpoints, got %d", len(eps))
	}
	if !svr.Unregister("40") {
		t.Fatal("expect partition 40 unregistered")
	}
	if eps := discover(t, disc); len(eps) != 2 {
		t.Fatalf("expect 2 endpoints after unregister, got %d", len(eps))
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if eps := discover(t, disc); len(eps) != 0 {
		t.Fatalf("expect every partition withdrawn on shutdown, got %+v", eps)
	}
}

func TestServerMiddleware(t *testing.T) {
	var seen atomic.Int32
	count := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			if call.Partition == "1" {
				seen.Add(1)
			}
			return next(ctx, call)
		}
	}

	svr := NewServer("transit")
	svr.Register("1", agency("kcm"))
	svr.Use(count)
	start(t, svr, nil)
	defer svr.Shutdown(time.Second)

	tr, _ := transport.Dial(context.Background(), svr.Addr().String(), codec.CodecTypeJSON)
	defer tr.Close()
	for i := 0; i < 3; i++ {
		if _, err := tr.Call(context.Background(), "1", "getAgency", nil); err != nil {
			t.Fatal(err)
		}
	}
	if seen.Load() != 3 {
		t.Fatalf("expect middleware to see 3 calls, got %d", seen.Load())
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	svr := NewServer("transit")
	svr.Register("1", agency("kcm"))
	start(t, svr, nil)

	tr, _ := transport.Dial(context.Background(), svr.Addr().String(), codec.CodecTypeJSON)
	defer tr.Close()

	result := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "1", "sleep", nil)
		result <- err
	}()
	time.Sleep(30 * time.Millisecond)

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-result; err != nil {
		t.Fatalf("expect in-flight call to complete, got %v", err)
	}
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	svr := NewServer("transit")
	svr.Register("1", agency("kcm"))
	start(t, svr, nil)

	tr, _ := transport.Dial(context.Background(), svr.Addr().String(), codec.CodecTypeBinary)
	defer tr.Close()

	inflight := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "1", "sleep", nil)
		inflight <- err
	}()
	time.Sleep(30 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- svr.Shutdown(time.Second) }()
	deadline := time.Now().Add(time.Second)
	for !svr.shutdown.Load() {
		if time.Now().After(deadline) {
			t.Fatal("shutdown did not begin")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := tr.Call(context.Background(), "1", "getAgency", nil)
	var remote *transport.RemoteError
	if !errors.As(err, &remote) || remote.Message != ErrShuttingDown.Error() {
		t.Fatalf("expect shutting down error, got %v", err)
	}
	if err := <-inflight; err != nil {
		t.Fatalf("expect in-flight call to complete, got %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatal(err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svr := NewServer("transit")
	if err := svr.Register("", agency("kcm")); err == nil {
		t.Fatal("expect error for empty partition")
	}
	if err := svr.Register("1", nil); err == nil {
		t.Fatal("expect error for nil backend")
	}
	if err := svr.Shutdown(time.Second); !errors.Is(err, ErrNotServing) {
		t.Fatalf("expect ErrNotServing, got %v", err)
	}
}
