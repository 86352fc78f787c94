// Package agent is the per-host fabric member that executes installs and
// server lifecycle work sent by the orchestrator.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/clusterctl/internal/distribution"
	"github.com/3cpo-dev/clusterctl/internal/kit"
	"github.com/3cpo-dev/clusterctl/internal/registry"
	"github.com/3cpo-dev/clusterctl/internal/tcconfig"
	"github.com/3cpo-dev/clusterctl/internal/telemetry"
	"github.com/3cpo-dev/clusterctl/internal/topology"
	"github.com/3cpo-dev/clusterctl/pkg/api"
)

type Config struct {
	// Hostname is the nodename this agent answers for.
	Hostname string
	Version  string
	// Token, when set, must be presented as a bearer token on /v0/work.
	Token string
	// Offline forces kit installs to use the local cache only.
	Offline     bool
	Registry    registry.Registry
	Kits        kit.Provider
	Controllers *distribution.Registry
}

type Server struct {
	cfg Config
	srv *http.Server
	log zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		cfg: cfg,
		log: log.With().Str("component", "agent").Str("host", cfg.Hostname).Logger(),
	}
}

// Handler returns the agent's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		_ = r.Body.Close()
		telemetry.CounterGlobal("clusterctl_agent_heartbeats", 1, map[string]string{"endpoint": "heartbeat"})
		writeJSON(w, HeartbeatResponse{Time: time.Now(), Host: s.cfg.Hostname, Version: s.cfg.Version, Running: s.cfg.Controllers.Running()})
	})
	mux.HandleFunc("/v0/metrics", func(w http.ResponseWriter, r *http.Request) {
		_ = r.Body.Close()
		writeJSON(w, MetricsResponse{Host: s.cfg.Hostname, Metrics: telemetry.GetGlobal().Summaries()})
	})
	mux.HandleFunc("/v0/work", s.serveWork)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.Token || r.Header.Get("X-Auth-Token") == s.cfg.Token
}

func (s *Server) serveWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	defer r.Body.Close()

	var req api.WorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.CounterGlobal("clusterctl_agent_work_errors", 1, map[string]string{"error": "decode_request"})
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	labels := map[string]string{"kind": string(req.Kind)}
	result, err := s.execute(r.Context(), req)
	resp := api.WorkResponse{Host: s.cfg.Hostname}
	if err == nil {
		resp.Result, err = json.Marshal(result)
	}
	if err != nil {
		resp.Error = err.Error()
		labels["status"] = "error"
		telemetry.CounterGlobal("clusterctl_agent_work_failed", 1, labels)
		s.log.Error().Err(err).Str("kind", string(req.Kind)).Msg("Work failed")
	} else {
		labels["status"] = "success"
		telemetry.CounterGlobal("clusterctl_agent_work_successful", 1, labels)
	}
	telemetry.TimerGlobal("clusterctl_agent_work_duration", time.Since(start), labels)
	writeJSON(w, resp)
}

func (s *Server) execute(ctx context.Context, req api.WorkRequest) (any, error) {
	switch req.Kind {
	case api.WorkInstall:
		var w api.InstallWork
		if err := json.Unmarshal(req.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode install work: %w", err)
		}
		return s.Install(ctx, w)
	case api.WorkStart:
		var w api.StartWork
		if err := json.Unmarshal(req.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode start work: %w", err)
		}
		return s.Start(ctx, w)
	case api.WorkStop:
		var w api.StopWork
		if err := json.Unmarshal(req.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode stop work: %w", err)
		}
		return struct{}{}, s.Stop(ctx, w)
	default:
		return nil, fmt.Errorf("unknown work kind %q", req.Kind)
	}
}

// Install provisions the topology's kit unless another host already claimed it.
// Only the claim winner installs; it renders the config of every group so the
// record's single location serves all of them.
func (s *Server) Install(ctx context.Context, w api.InstallWork) (api.InstallResult, error) {
	topo, err := topology.New(w.Topology)
	if err != nil {
		return api.InstallResult{}, err
	}
	groups := topo.ServerGroups()
	if w.GroupIndex < 0 || w.GroupIndex >= len(groups) {
		return api.InstallResult{}, fmt.Errorf("group index %d out of range", w.GroupIndex)
	}
	id := topo.ID()
	logger := s.log.With().Str("topology", id).Int("group", w.GroupIndex).Logger()

	claimed, err := s.cfg.Registry.PutIfAbsent(ctx, id, registry.InstallRecord{
		TopologyID: id,
		Owner:      s.cfg.Hostname,
		State:      registry.StateInstalling,
		Topology:   topo.Spec(),
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		return api.InstallResult{}, fmt.Errorf("claim install: %w", err)
	}
	if !claimed {
		logger.Info().Msg("Install already exists")
		return api.InstallResult{}, nil
	}

	location, err := s.installKit(ctx, topo, w.Offline || s.cfg.Offline)
	if err != nil {
		s.release(ctx, id)
		return api.InstallResult{}, err
	}
	err = s.cfg.Registry.Put(ctx, id, registry.InstallRecord{
		TopologyID: id,
		Location:   location,
		Owner:      s.cfg.Hostname,
		State:      registry.StateInstalled,
		Topology:   topo.Spec(),
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		s.release(ctx, id)
		return api.InstallResult{}, fmt.Errorf("record install: %w", err)
	}
	telemetry.CounterGlobal("clusterctl_agent_installs", 1, map[string]string{"host": s.cfg.Hostname})
	logger.Info().Str("location", location).Msg("Installed kit")
	return api.InstallResult{Installed: true, Location: location}, nil
}

func (s *Server) installKit(ctx context.Context, topo *topology.Topology, offline bool) (string, error) {
	location, err := s.cfg.Kits.For(topo.ID(), topo.Distribution()).InstallKit(ctx, topo.License(), offline)
	if err != nil {
		return "", fmt.Errorf("install kit: %w", err)
	}
	for _, g := range topo.ServerGroups() {
		if _, err := tcconfig.Write(location, g); err != nil {
			return "", fmt.Errorf("write config of group %s: %w", g.Name, err)
		}
	}
	return location, nil
}

// release drops a claim so a later init can retry the install.
func (s *Server) release(ctx context.Context, id string) {
	if err := s.cfg.Registry.Remove(context.WithoutCancel(ctx), id); err != nil {
		s.log.Error().Err(err).Str("topology", id).Msg("Failed to release install claim")
	}
}

func (s *Server) Start(ctx context.Context, w api.StartWork) (api.StartResult, error) {
	topo, server, c, err := s.resolve(w.Topology, w.Server.Name)
	if err != nil {
		return api.StartResult{}, err
	}
	state, err := c.Start(ctx, server, topo, w.Location)
	if err != nil {
		return api.StartResult{}, fmt.Errorf("start %s: %w", server.SymbolicName, err)
	}
	s.log.Info().Str("server", server.SymbolicName).Str("state", string(state)).Msg("Server started")
	return api.StartResult{State: state}, nil
}

func (s *Server) Stop(ctx context.Context, w api.StopWork) error {
	_, server, c, err := s.resolve(w.Topology, w.Server.Name)
	if err != nil {
		return err
	}
	if err := c.Stop(ctx, server); err != nil {
		return fmt.Errorf("stop %s: %w", server.SymbolicName, err)
	}
	return nil
}

func (s *Server) resolve(spec api.TopologySpec, name string) (*topology.Topology, topology.Server, distribution.Controller, error) {
	topo, err := topology.New(spec)
	if err != nil {
		return nil, topology.Server{}, nil, err
	}
	server, ok := topo.Server(name)
	if !ok {
		return nil, topology.Server{}, nil, fmt.Errorf("server %s is not part of topology %s", name, topo.ID())
	}
	if server.Hostname != s.cfg.Hostname {
		return nil, topology.Server{}, nil, fmt.Errorf("server %s belongs to host %s, not %s", name, server.Hostname, s.cfg.Hostname)
	}
	c, err := s.cfg.Controllers.Get(topo.Distribution().Kind)
	if err != nil {
		return nil, topology.Server{}, nil, err
	}
	return topo, server, c, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.log.Info().Str("addr", addr).Msg("Starting agent")
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
