package federation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"federation-rpc/config"
	ferrors "federation-rpc/errors"
	"federation-rpc/geo"
	"federation-rpc/method"
	"federation-rpc/registry"
	"federation-rpc/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

const transitConfig = `
service: transit
dispatch:
  policy: best-effort
  timeout: 1s
  retries: 1
  retryDelay: 10ms
client:
  codec: binary
methods:
  - name: getStop
    byEntityId: {argument: 0}
  - name: getStops
    returns: ordered-sequence
    byEntityIds: {argument: 0}
  - name: getAgencies
    returns: ordered-sequence
    byAggregate: {}
  - name: getAgencyNames
    returns: key-value-mapping
    byAggregate: {}
  - name: getStopsForBounds
    returns: ordered-sequence
    byBounds: {lat1: 0, lon1: 1, lat2: 2, lon2: 3}
  - name: getArrivals
    returns: ordered-sequence
    byAggregate: {}
`

// transitBackend answers like one agency's transit data server.
func transitBackend(agency string) registry.InstanceFunc {
	return func(ctx context.Context, methodName string, args []any) (any, error) {
		switch methodName {
		case "getStop":
			return map[string]any{"id": args[0], "agency": agency}, nil
		case "getStops":
			var out []any
			for _, id := range args[0].([]any) {
				out = append(out, "stop:"+id.(string))
			}
			return out, nil
		case "getAgencies", "getStopsForBounds":
			return []any{agency}, nil
		case "getAgencyNames":
			return map[string]any{agency: "Agency " + agency}, nil
		case "getArrivals":
			if agency == "40" {
				return nil, errors.New("realtime feed down")
			}
			return []any{"arrival@" + agency}, nil
		}
		return nil, fmt.Errorf("unknown method %s", methodName)
	}
}

func startAgency(t *testing.T, disc registry.Discovery, agency string, coverage geo.Bounds) *server.Server {
	t.Helper()
	return startAgencyFor(t, disc, "transit", agency, coverage)
}

func startAgencyFor(t *testing.T, disc registry.Discovery, service, agency string, coverage ...geo.Bounds) *server.Server {
	t.Helper()
	svr := server.NewServer(service)
	svr.Register(agency, transitBackend(agency), coverage...)
	go svr.Serve("tcp", "127.0.0.1:0", "", disc)
	select {
	case <-svr.Ready():
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func deploy(t *testing.T) (*Deployment, *registry.MemoryRegistry) {
	t.Helper()
	disc := registry.NewMemoryRegistry()
	startAgency(t, disc, "1", geo.NewBounds(47.4, -122.5, 47.8, -122.1))
	startAgency(t, disc, "3", geo.NewBounds(47.1, -122.6, 47.4, -122.3))
	startAgency(t, disc, "40", geo.NewBounds(45.4, -122.8, 45.6, -122.5))

	cfg, err := config.Parse([]byte(transitConfig))
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	d, err := FromConfig(context.Background(), cfg,
		WithDiscovery(disc), WithRegistry(reg, reg), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d, disc
}

func TestDeploymentEndToEnd(t *testing.T) {
	d, _ := deploy(t)
	ctx := context.Background()

	if got := d.Instances().Snapshot().Partitions(); !reflect.DeepEqual(got, []string{"1", "3", "40"}) {
		t.Fatalf("expect partitions from discovery, got %v", got)
	}

	res, err := d.Call(ctx, "getStop", "40_1234")
	if err != nil {
		t.Fatal(err)
	}
	if stop := res.Value.(map[string]any); stop["agency"] != "40" || stop["id"] != "40_1234" {
		t.Fatalf("expect stop from agency 40, got %v", stop)
	}

	res, err = d.Call(ctx, "getStops", []string{"3_a", "1_b", "3_c", "40_d"})
	if err != nil {
		t.Fatal(err)
	}
	want := []any{"stop:3_a", "stop:1_b", "stop:3_c", "stop:40_d"}
	if !reflect.DeepEqual(res.Value, want) {
		t.Fatalf("expect %v, got %v", want, res.Value)
	}

	res, err = d.Call(ctx, "getAgencies")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Value, []any{"1", "3", "40"}) {
		t.Fatalf("expect agencies in partition order, got %v", res.Value)
	}

	res, err = d.Call(ctx, "getAgencyNames")
	if err != nil {
		t.Fatal(err)
	}
	if names := res.Value.(map[string]any); len(names) != 3 || names["40"] != "Agency 40" {
		t.Fatalf("expect merged agency names, got %v", res.Value)
	}

	res, err = d.Call(ctx, "getStopsForBounds", 47.3, -122.45, 47.5, -122.35)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Value, []any{"1", "3"}) {
		t.Fatalf("expect agencies covering the bounds, got %v", res.Value)
	}

	_, err = d.Call(ctx, "getStop", "99_1")
	if !ferrors.IsRouting(err) {
		t.Fatalf("expect routing error for unknown agency, got %v", err)
	}
}

func TestDeploymentBestEffort(t *testing.T) {
	d, _ := deploy(t)

	res, err := d.Call(context.Background(), "getArrivals")
	if err != nil {
		t.Fatalf("expect best-effort success, got %v", err)
	}
	if !reflect.DeepEqual(res.Value, []any{"arrival@1", "arrival@3"}) {
		t.Fatalf("expect arrivals of healthy agencies, got %v", res.Value)
	}
	pf := res.PartialFailure()
	if pf == nil || !reflect.DeepEqual(pf.Partitions, []string{"40"}) || !strings.Contains(pf.Error(), "realtime feed down") {
		t.Fatalf("expect agency 40 reported as failed, got %v", pf)
	}

	if got := testutil.ToFloat64(d.Metrics.DispatchTotal.WithLabelValues("getArrivals", "byAggregate", "partial")); got != 1 {
		t.Fatalf("expect one partial dispatch recorded, got %v", got)
	}
	if got := testutil.ToFloat64(d.Metrics.InstanceFailures.WithLabelValues("getArrivals", "40")); got != 1 {
		t.Fatalf("expect one failure of partition 40 recorded, got %v", got)
	}
}

func TestDeploymentFollowsDiscovery(t *testing.T) {
	d, disc := deploy(t)

	startAgency(t, disc, "19", geo.NewBounds(47, -123, 48, -122))
	waitFor(t, func() bool { return d.Instances().Snapshot().Len() == 4 })

	res, err := d.Call(context.Background(), "getStop", "19_7")
	if err != nil {
		t.Fatal(err)
	}
	if res.Value.(map[string]any)["agency"] != "19" {
		t.Fatalf("expect new agency to serve its stops, got %v", res.Value)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFromConfigRejectsInvalid(t *testing.T) {
	cfg := config.Default()
	cfg.Service = ""
	if _, err := FromConfig(context.Background(), cfg, WithLogger(zap.NewNop())); err == nil {
		t.Fatal("expect invalid config rejected")
	}
}

type unreachableDiscovery struct{ *registry.MemoryRegistry }

func (unreachableDiscovery) Discover(ctx context.Context, service string) ([]registry.Endpoint, error) {
	return nil, errors.New("connection refused")
}

// FromConfig uses the default Prometheus registry here, as a process would.
func TestFromConfigRepeatedOnDefaultRegistry(t *testing.T) {
	ctx := context.Background()

	ambiguous := config.Default()
	ambiguous.Methods = []method.Declaration{{Name: "getAgency", Returns: method.OrderedSequence,
		ByPartitionKey: &method.KeyArgument{Argument: 0}, ByAggregate: &method.AggregateArguments{}}}
	if _, err := FromConfig(ctx, ambiguous, WithLogger(zap.NewNop())); !ferrors.IsConfiguration(err) {
		t.Fatalf("expect configuration error, got %v", err)
	}

	down := unreachableDiscovery{registry.NewMemoryRegistry()}
	if _, err := FromConfig(ctx, config.Default(), WithLogger(zap.NewNop()), WithDiscovery(down)); err == nil {
		t.Fatal("expect initial sync failure")
	}

	for i := 0; i < 2; i++ {
		d, err := FromConfig(ctx, config.Default(), WithLogger(zap.NewNop()), WithDiscovery(registry.NewMemoryRegistry()))
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if err := d.Close(); err != nil {
			t.Fatal(err)
		}
	}
}
