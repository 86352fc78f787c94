package tcconfig

import (
	"os"
	"testing"

	"github.com/3cpo-dev/clusterctl/internal/topology"
	"github.com/3cpo-dev/clusterctl/pkg/api"
)

func TestWriteTemplatesLogsPerGroup(t *testing.T) {
	topo, err := topology.New(api.TopologySpec{
		Distribution: api.DistributionSpec{Version: "10.7.0"},
		Groups: []api.ServerGroupSpec{
			{Name: "a", Servers: []api.ServerSpec{{Name: "S1", Hostname: "h1", TSAPort: 9510}}},
			{Name: "b", Servers: []api.ServerSpec{{Name: "S1b", Hostname: "h1"}}},
		},
	})
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	kitDir := t.TempDir()
	groups := topo.ServerGroups()

	seen := map[string]bool{}
	for _, g := range groups {
		p, err := Write(kitDir, g)
		if err != nil {
			t.Fatalf("write group %d: %v", g.Index, err)
		}
		f, err := Read(p)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Index != g.Index || len(f.Servers) != 1 {
			t.Fatalf("unexpected file %+v", f)
		}
		logs := f.Servers[0].Logs
		if seen[logs] {
			t.Fatalf("log dir %s reused across groups", logs)
		}
		seen[logs] = true
		if _, err := os.Stat(logs); err != nil {
			t.Fatalf("logs dir not created: %v", err)
		}
	}

	f := Render(kitDir, groups[0])
	if f.Servers[0].TSAPort != 9510 || f.Servers[0].GroupPort != DefaultGroupPort {
		t.Fatalf("unexpected ports %+v", f.Servers[0])
	}
	if f.Version != "10.7.0" {
		t.Fatalf("unexpected version %q", f.Version)
	}
}
