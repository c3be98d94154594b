package federation

import (
	"context"
	"testing"
	"time"

	"federation-rpc/client"
	"federation-rpc/dispatch"
	"federation-rpc/method"
	"federation-rpc/registry"
	"federation-rpc/server"
)

// setupRemote serves n partitions from one local server and returns a
// service routing to them over TCP.
func setupRemote(b *testing.B, n int) *Service {
	disc := registry.NewMemoryRegistry()
	svr := server.NewServer("bench")
	for i := 0; i < n; i++ {
		key := string(rune('a' + i))
		svr.Register(key, agency(key))
	}
	go svr.Serve("tcp", "127.0.0.1:0", "", disc)
	<-svr.Ready()
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	cli := client.NewClient()
	b.Cleanup(func() { cli.Close() })
	instances := registry.NewInstances()
	if err := cli.Sync(context.Background(), disc, "bench", instances); err != nil {
		b.Fatal(err)
	}

	svc, err := NewFromDeclarations([]method.Declaration{
		{Name: "getAgency", ByPartitionKey: &method.KeyArgument{Argument: 0}},
		{Name: "getAgencies", Returns: method.OrderedSequence, ByAggregate: &method.AggregateArguments{}},
	}, instances, dispatch.Options{Timeout: time.Second})
	if err != nil {
		b.Fatal(err)
	}
	return svc
}

func BenchmarkSingleTarget(b *testing.B) {
	svc := setupRemote(b, 4)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.Call(ctx, "getAgency", "b"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAggregateConcurrent(b *testing.B) {
	svc := setupRemote(b, 8)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := svc.Call(ctx, "getAgencies"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
