package topology

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/3cpo-dev/clusterctl/pkg/api"
)

func twoHostSpec() api.TopologySpec {
	return api.TopologySpec{
		Distribution: api.DistributionSpec{Version: "10.7.0", Package: "kit", Kind: "process"},
		Groups: []api.ServerGroupSpec{
			{Name: "stripe-a", Servers: []api.ServerSpec{
				{Name: "A1", Hostname: "host-1"},
				{Name: "A2", Hostname: "host-2"},
			}},
			{Name: "stripe-b", Servers: []api.ServerSpec{
				{Name: "B1", Hostname: "host-1"},
				{Name: "B2", Hostname: "host-2"},
			}},
		},
	}
}

func TestNewAssignsID(t *testing.T) {
	a, err := New(twoHostSpec())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := New(twoHostSpec())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a.ID(), b.ID())
	}
	if a.ID() != a.Spec().ID {
		t.Fatalf("spec does not carry the assigned id")
	}
}

func TestHostnamesAndGroups(t *testing.T) {
	topo, err := New(twoHostSpec())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	hosts := topo.Hostnames()
	if len(hosts) != 2 || hosts[0] != "host-1" || hosts[1] != "host-2" {
		t.Fatalf("unexpected hostnames %v", hosts)
	}
	groups := topo.ServerGroups()
	if len(groups) != 2 || groups[1].Index != 1 || groups[1].Servers[0].SymbolicName != "B1" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if groups[0].Version != "10.7.0" {
		t.Fatalf("group version should default to distribution version, got %q", groups[0].Version)
	}
	if len(topo.Servers()) != 4 {
		t.Fatalf("expected 4 servers")
	}
	g, ok := topo.Group("B2")
	if !ok || g.Name != "stripe-b" {
		t.Fatalf("group lookup failed: %+v", g)
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	cases := map[string]api.TopologySpec{
		"no groups":   {},
		"empty group": {Groups: []api.ServerGroupSpec{{Name: "g"}}},
		"no hostname": {Groups: []api.ServerGroupSpec{{Servers: []api.ServerSpec{{Name: "s"}}}}},
		"no name":     {Groups: []api.ServerGroupSpec{{Servers: []api.ServerSpec{{Hostname: "h"}}}}},
		"dup name": {Groups: []api.ServerGroupSpec{
			{Servers: []api.ServerSpec{{Name: "s", Hostname: "h1"}}},
			{Servers: []api.ServerSpec{{Name: "s", Hostname: "h2"}}},
		}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(spec); !errors.Is(err, ErrInvalidTopology) {
				t.Fatalf("expected ErrInvalidTopology, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	content := `id: it-cluster
distribution:
  version: 10.7.0
  package: kit
  kind: process
groups:
  - name: stripe-a
    servers:
      - name: A1
        hostname: localhost
        tsa_port: 9410
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	topo, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if topo.ID() != "it-cluster" {
		t.Fatalf("id %q", topo.ID())
	}
	s, ok := topo.Server("A1")
	if !ok || s.TSAPort != 9410 || s.Hostname != "localhost" {
		t.Fatalf("unexpected server %+v", s)
	}
}
