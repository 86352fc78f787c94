package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/3cpo-dev/clusterctl/internal/registry"
	"github.com/3cpo-dev/clusterctl/internal/telemetry"
)

// A running server must not cost a dispatch; this measures the local path.
func BenchmarkStartRunningServer(b *testing.B) {
	c := newCluster(b, "h1", "h2")
	ctx := context.Background()
	if err := c.orch.BindTopology(twoByTwo(b)); err != nil {
		b.Fatal(err)
	}
	if err := c.orch.Init(ctx); err != nil {
		b.Fatal(err)
	}
	if err := c.orch.StartAll(ctx); err != nil {
		b.Fatal(err)
	}
	defer c.orch.Close(ctx)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.orch.Start(ctx, "S1"); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
	if n := c.transport.count("start"); n != 4 {
		b.Fatalf("expected 4 start dispatches, got %d", n)
	}
}

func BenchmarkPutIfAbsent(b *testing.B) {
	reg := registry.NewMemory()
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("topo-%d", i%64)
		if _, err := reg.PutIfAbsent(ctx, id, registry.InstallRecord{TopologyID: id, State: registry.StateInstalling}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTelemetryRecording(b *testing.B) {
	collector := telemetry.NewCollector(true, 0)
	labels := map[string]string{"kind": "start"}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		collector.Timer("clusterctl_dispatch_duration", time.Millisecond, labels)
		if i%10 == 0 {
			collector.Counter("clusterctl_dispatch_failed", 1, labels)
		}
	}
}
