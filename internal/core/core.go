// Package core binds a topology to the execution fabric and drives the
// lifecycle of its servers.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/clusterctl/internal/fabric"
	"github.com/3cpo-dev/clusterctl/internal/registry"
	"github.com/3cpo-dev/clusterctl/internal/topology"
	"github.com/3cpo-dev/clusterctl/pkg/api"
)

// DefaultTimeout bounds each start dispatch issued by StartAll.
const DefaultTimeout = 30000 * time.Millisecond

var (
	ErrNoTopology         = errors.New("no topology bound: call BindTopology first")
	ErrAlreadyInitialized = errors.New("topology already initialized")
	ErrNotInitialized     = errors.New("topology not initialized: call Init first")
	ErrNotInstalled       = errors.New("topology not installed")
	ErrUnknownServer      = errors.New("unknown server")
)

type Options struct {
	// Seeds is the initial fabric member list; the topology hostnames when empty.
	Seeds []string
	// Offline restricts kit installs to each host's local cache.
	Offline bool
}

// Orchestrator is the entrypoint for installing and running a topology.
type Orchestrator struct {
	joiner    fabric.Joiner
	transport fabric.Transport
	registry  registry.Registry
	opts      Options
	log       zerolog.Logger

	mu           sync.Mutex
	topo         *topology.Topology
	initializing bool
	membership   fabric.Membership
	dispatcher   *fabric.Dispatcher
	states       map[string]api.ServerState
}

func NewOrchestrator(joiner fabric.Joiner, transport fabric.Transport, reg registry.Registry, opts Options) *Orchestrator {
	return &Orchestrator{
		joiner:    joiner,
		transport: transport,
		registry:  reg,
		opts:      opts,
		log:       log.With().Str("component", "orchestrator").Logger(),
	}
}

// BindTopology selects the topology the following calls act on. Every server
// starts out NOT_STARTED.
func (o *Orchestrator) BindTopology(topo *topology.Topology) error {
	if topo == nil {
		return fmt.Errorf("%w: nil topology", topology.ErrInvalidTopology)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dispatcher != nil || o.initializing {
		return ErrAlreadyInitialized
	}
	o.topo = topo
	o.states = make(map[string]api.ServerState)
	for name := range topo.Servers() {
		o.states[name] = api.NotStarted
	}
	o.log.Info().Str("topology", topo.ID()).Msg("Bound topology")
	return nil
}

// Init joins the fabric and installs the kit for every server group. Hosts are
// provisioned concurrently; the groups of one host are handled in order.
// A failed Init leaves the fabric and removes the install record, so Init can
// be called again.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	topo := o.topo
	switch {
	case topo == nil:
		o.mu.Unlock()
		return ErrNoTopology
	case o.dispatcher != nil:
		o.mu.Unlock()
		return ErrAlreadyInitialized
	case o.initializing:
		o.mu.Unlock()
		return fmt.Errorf("%w: init in progress", ErrAlreadyInitialized)
	}
	o.initializing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.initializing = false
		o.mu.Unlock()
	}()

	seeds := o.opts.Seeds
	if len(seeds) == 0 {
		seeds = topo.Hostnames()
	}
	membership, err := o.joiner.Join(ctx, seeds)
	if err != nil {
		return fmt.Errorf("join fabric: %w", err)
	}
	dispatcher := fabric.NewDispatcher(membership, o.transport)

	if err := o.install(ctx, dispatcher, topo); err != nil {
		// hosts that already installed must not leave a record behind
		cleanup := context.WithoutCancel(ctx)
		if rerr := o.registry.Remove(cleanup, topo.ID()); rerr != nil {
			o.log.Error().Err(rerr).Str("topology", topo.ID()).Msg("Failed to remove install record")
		}
		if lerr := membership.Leave(cleanup); lerr != nil {
			o.log.Error().Err(lerr).Msg("Failed to leave fabric")
		}
		return err
	}

	o.mu.Lock()
	o.membership = membership
	o.dispatcher = dispatcher
	o.mu.Unlock()
	o.log.Info().Str("topology", topo.ID()).Int("hosts", len(topo.Hostnames())).Msg("Initialized topology")
	return nil
}

func (o *Orchestrator) install(ctx context.Context, d *fabric.Dispatcher, topo *topology.Topology) error {
	perHost := map[string][]int{}
	var hosts []string
	for _, g := range topo.ServerGroups() {
		seen := map[string]bool{}
		for _, s := range g.Servers {
			if seen[s.Hostname] {
				continue
			}
			seen[s.Hostname] = true
			if _, ok := perHost[s.Hostname]; !ok {
				hosts = append(hosts, s.Hostname)
			}
			perHost[s.Hostname] = append(perHost[s.Hostname], g.Index)
		}
	}

	spec := topo.Spec()
	g, gctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		groups := perHost[host]
		g.Go(func() error {
			for _, idx := range groups {
				req, err := fabric.NewWork(api.WorkInstall, api.InstallWork{Topology: spec, GroupIndex: idx, Offline: o.opts.Offline})
				if err != nil {
					return err
				}
				res, err := fabric.CallOn[api.InstallResult](gctx, d, host, req)
				if err != nil {
					return fmt.Errorf("install group %d on %s: %w", idx, host, err)
				}
				if res.Installed {
					o.log.Info().Str("host", host).Int("group", idx).Str("location", res.Location).Msg("Kit installed")
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Start brings one server up. A server already running as active or passive
// is left alone and nothing is dispatched. The state the host reports is
// recorded as is; a state other than active or passive is also returned as
// an error.
func (o *Orchestrator) Start(ctx context.Context, name string) error {
	topo, server, d, state, err := o.lookup(name)
	if err != nil {
		return err
	}
	if state.Running() {
		return nil
	}
	if d == nil {
		return ErrNotInitialized
	}

	rec, err := o.registry.Get(ctx, topo.ID())
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: no install record for %s", ErrNotInstalled, topo.ID())
	}
	if err != nil {
		return fmt.Errorf("read install record: %w", err)
	}
	if rec.State != registry.StateInstalled {
		return fmt.Errorf("%w: install of %s is %s", ErrNotInstalled, topo.ID(), rec.State)
	}

	req, err := fabric.NewWork(api.WorkStart, api.StartWork{Server: server.Spec(), Topology: topo.Spec(), Location: rec.Location})
	if err != nil {
		return err
	}
	res, err := fabric.CallOn[api.StartResult](ctx, d, server.Hostname, req)
	if err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	o.setState(name, res.State)
	if !res.State.Running() {
		return fmt.Errorf("start %s: server reported state %q", name, res.State)
	}
	o.log.Info().Str("server", name).Str("host", server.Hostname).Str("state", string(res.State)).Msg("Server started")
	return nil
}

// StartAll starts every server in declaration order, bounding each start by
// DefaultTimeout.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	return o.StartAllWithTimeout(ctx, DefaultTimeout)
}

// StartAllWithTimeout starts every server in declaration order. Each start is
// bounded by timeout; the first failure is returned and servers already
// started keep running.
func (o *Orchestrator) StartAllWithTimeout(ctx context.Context, timeout time.Duration) error {
	o.mu.Lock()
	topo := o.topo
	o.mu.Unlock()
	if topo == nil {
		return ErrNoTopology
	}
	for _, g := range topo.ServerGroups() {
		for _, s := range g.Servers {
			sctx, cancel := context.WithTimeout(ctx, timeout)
			err := o.Start(sctx, s.SymbolicName)
			cancel()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop shuts one server down. Servers that never started or are already
// stopped are left alone.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	topo, server, d, state, err := o.lookup(name)
	if err != nil {
		return err
	}
	if !state.Running() {
		return nil
	}
	if d == nil {
		return ErrNotInitialized
	}
	req, err := fabric.NewWork(api.WorkStop, api.StopWork{Server: server.Spec(), Topology: topo.Spec()})
	if err != nil {
		return err
	}
	if _, err := fabric.CallOn[struct{}](ctx, d, server.Hostname, req); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	o.setState(name, api.Stopped)
	o.log.Info().Str("server", name).Str("host", server.Hostname).Msg("Server stopped")
	return nil
}

func (o *Orchestrator) State(name string) (api.ServerState, error) {
	_, _, _, state, err := o.lookup(name)
	return state, err
}

// States returns a snapshot of every server's state.
func (o *Orchestrator) States() map[string]api.ServerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]api.ServerState, len(o.states))
	for k, v := range o.states {
		out[k] = v
	}
	return out
}

// Members lists the fabric as currently seen by the orchestrator.
func (o *Orchestrator) Members() ([]fabric.Member, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.membership == nil {
		return nil, ErrNotInitialized
	}
	return o.membership.Members(), nil
}

// Close removes the install record and leaves the fabric. Running servers are
// not stopped; call Stop first when they should go down.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	topo, membership, d := o.topo, o.membership, o.dispatcher
	o.topo, o.membership, o.dispatcher, o.states = nil, nil, nil, nil
	o.mu.Unlock()
	if topo == nil {
		return nil
	}

	var errs []error
	if d != nil {
		d.Wait()
		if err := o.registry.Remove(ctx, topo.ID()); err != nil {
			errs = append(errs, fmt.Errorf("remove install record: %w", err))
		}
	}
	if membership != nil {
		if err := membership.Leave(ctx); err != nil {
			errs = append(errs, fmt.Errorf("leave fabric: %w", err))
		}
	}
	o.log.Info().Str("topology", topo.ID()).Msg("Closed topology")
	return errors.Join(errs...)
}

func (o *Orchestrator) lookup(name string) (*topology.Topology, topology.Server, *fabric.Dispatcher, api.ServerState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.topo == nil {
		return nil, topology.Server{}, nil, "", ErrNoTopology
	}
	server, ok := o.topo.Server(name)
	if !ok {
		return nil, topology.Server{}, nil, "", fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return o.topo, server, o.dispatcher, o.states[name], nil
}

func (o *Orchestrator) setState(name string, state api.ServerState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states != nil {
		o.states[name] = state
	}
}
