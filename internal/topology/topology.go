package topology

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/clusterctl/pkg/api"
)

// ErrInvalidTopology is returned when a topology cannot describe a cluster.
var ErrInvalidTopology = errors.New("invalid topology")

// Server describes one server process and the host it runs on.
type Server struct {
	SymbolicName string
	Hostname     string
	TSAPort      int
	GroupPort    int
}

func (s Server) Spec() api.ServerSpec {
	return api.ServerSpec{Name: s.SymbolicName, Hostname: s.Hostname, TSAPort: s.TSAPort, GroupPort: s.GroupPort}
}

// ServerGroup is a set of servers sharing one configuration file. Index is the
// position of the group in the topology and drives generated file paths.
type ServerGroup struct {
	Index   int
	Name    string
	Version string
	Servers []Server
}

// Topology is an immutable description of a cluster shape.
type Topology struct {
	id           string
	distribution api.DistributionSpec
	license      string
	groups       []ServerGroup
	servers      map[string]Server
}

// New validates spec and builds a Topology. A missing id is replaced by a fresh UUID.
func New(spec api.TopologySpec) (*Topology, error) {
	if len(spec.Groups) == 0 {
		return nil, fmt.Errorf("%w: no server groups", ErrInvalidTopology)
	}
	t := &Topology{
		id:           spec.ID,
		distribution: spec.Distribution,
		license:      spec.License,
		servers:      make(map[string]Server),
	}
	if t.id == "" {
		t.id = uuid.NewString()
	}
	for i, g := range spec.Groups {
		if len(g.Servers) == 0 {
			return nil, fmt.Errorf("%w: group %d has no servers", ErrInvalidTopology, i)
		}
		group := ServerGroup{Index: i, Name: g.Name, Version: g.Version}
		if group.Version == "" {
			group.Version = spec.Distribution.Version
		}
		for _, s := range g.Servers {
			if s.Name == "" {
				return nil, fmt.Errorf("%w: group %d has a server without a name", ErrInvalidTopology, i)
			}
			if s.Hostname == "" {
				return nil, fmt.Errorf("%w: server %s has no hostname", ErrInvalidTopology, s.Name)
			}
			if _, dup := t.servers[s.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate server name %s", ErrInvalidTopology, s.Name)
			}
			srv := Server{SymbolicName: s.Name, Hostname: s.Hostname, TSAPort: s.TSAPort, GroupPort: s.GroupPort}
			t.servers[s.Name] = srv
			group.Servers = append(group.Servers, srv)
		}
		t.groups = append(t.groups, group)
	}
	return t, nil
}

// Load reads a YAML topology file.
func Load(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var spec api.TopologySpec
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return New(spec)
}

func (t *Topology) ID() string { return t.id }

func (t *Topology) Distribution() api.DistributionSpec { return t.distribution }

func (t *Topology) License() string { return t.license }

// ServerGroups returns the groups in declaration order.
func (t *Topology) ServerGroups() []ServerGroup {
	out := make([]ServerGroup, len(t.groups))
	copy(out, t.groups)
	return out
}

func (t *Topology) Servers() map[string]Server {
	out := make(map[string]Server, len(t.servers))
	for k, v := range t.servers {
		out[k] = v
	}
	return out
}

func (t *Topology) Server(name string) (Server, bool) {
	s, ok := t.servers[name]
	return s, ok
}

// Group returns the group owning the named server.
func (t *Topology) Group(name string) (ServerGroup, bool) {
	for _, g := range t.groups {
		for _, s := range g.Servers {
			if s.SymbolicName == name {
				return g, true
			}
		}
	}
	return ServerGroup{}, false
}

// Hostnames returns every distinct hostname, sorted.
func (t *Topology) Hostnames() []string {
	seen := make(map[string]struct{}, len(t.servers))
	var hosts []string
	for _, s := range t.servers {
		if _, ok := seen[s.Hostname]; ok {
			continue
		}
		seen[s.Hostname] = struct{}{}
		hosts = append(hosts, s.Hostname)
	}
	sort.Strings(hosts)
	return hosts
}

// Spec returns the serializable form, including the assigned id.
func (t *Topology) Spec() api.TopologySpec {
	spec := api.TopologySpec{ID: t.id, Distribution: t.distribution, License: t.license}
	for _, g := range t.groups {
		gs := api.ServerGroupSpec{Name: g.Name, Version: g.Version}
		for _, s := range g.Servers {
			gs.Servers = append(gs.Servers, s.Spec())
		}
		spec.Groups = append(spec.Groups, gs)
	}
	return spec
}
