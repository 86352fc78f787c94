package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/clusterctl/internal/distribution"
	"github.com/3cpo-dev/clusterctl/internal/kit"
	"github.com/3cpo-dev/clusterctl/internal/registry"
	"github.com/3cpo-dev/clusterctl/internal/tcconfig"
	"github.com/3cpo-dev/clusterctl/internal/topology"
	"github.com/3cpo-dev/clusterctl/pkg/api"
)

type countingKits struct {
	root     string
	installs atomic.Int32
	fail     error
}

func (k *countingKits) For(topologyID string, dist api.DistributionSpec) kit.Installer {
	return installerFunc(func(ctx context.Context, license string, offline bool) (string, error) {
		k.installs.Add(1)
		if k.fail != nil {
			return "", k.fail
		}
		dir := filepath.Join(k.root, topologyID)
		return dir, os.MkdirAll(dir, 0755)
	})
}

type installerFunc func(ctx context.Context, license string, offline bool) (string, error)

func (f installerFunc) InstallKit(ctx context.Context, license string, offline bool) (string, error) {
	return f(ctx, license, offline)
}

type fakeController struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (c *fakeController) Start(ctx context.Context, server topology.Server, topo *topology.Topology, kitLocation string) (api.ServerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, server.SymbolicName)
	return api.StartedAsPassive, nil
}

// Running reports servers started and not stopped since.
func (c *fakeController) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := map[string]bool{}
	for _, s := range c.started {
		live[s] = true
	}
	for _, s := range c.stopped {
		delete(live, s)
	}
	out := []string{}
	for s := range live {
		out = append(out, s)
	}
	return out
}

func (c *fakeController) Stop(ctx context.Context, server topology.Server) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, server.SymbolicName)
	return nil
}

func testTopology() api.TopologySpec {
	return api.TopologySpec{
		ID:           "topo-1",
		Distribution: api.DistributionSpec{Version: "1.0.0"},
		Groups: []api.ServerGroupSpec{
			{Name: "a", Servers: []api.ServerSpec{{Name: "A1", Hostname: "h1"}, {Name: "A2", Hostname: "h2"}}},
			{Name: "b", Servers: []api.ServerSpec{{Name: "B1", Hostname: "h1"}}},
		},
	}
}

func newAgent(t *testing.T, host string, reg registry.Registry, kits kit.Provider) (*Server, *fakeController) {
	t.Helper()
	ctrl := &fakeController{}
	controllers := distribution.NewRegistry("process")
	controllers.Register("process", ctrl)
	return New(Config{
		Hostname:    host,
		Version:     "test",
		Registry:    reg,
		Kits:        kits,
		Controllers: controllers,
	}), ctrl
}

func postWork(t *testing.T, h http.Handler, token string, kind api.WorkKind, payload any) (*httptest.ResponseRecorder, api.WorkResponse) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	body, err := json.Marshal(api.WorkRequest{Kind: kind, Payload: raw})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v0/work", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var resp api.WorkResponse
	if rr.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr, resp
}

func TestHeartbeat(t *testing.T) {
	srv, _ := newAgent(t, "h1", registry.NewMemory(), &countingKits{root: t.TempDir()})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HeartbeatResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "h1", resp.Host)
	assert.Empty(t, resp.Running)

	_, work := postWork(t, srv.Handler(), "", api.WorkStart, api.StartWork{Server: api.ServerSpec{Name: "A1"}, Topology: testTopology()})
	require.Empty(t, work.Error)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []string{"A1"}, resp.Running)
}

func TestWorkRequiresToken(t *testing.T) {
	srv, _ := newAgent(t, "h1", registry.NewMemory(), &countingKits{root: t.TempDir()})
	srv.cfg.Token = "secret"

	rr, _ := postWork(t, srv.Handler(), "", api.WorkStop, api.StopWork{})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, resp := postWork(t, srv.Handler(), "secret", "reboot", struct{}{})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, resp.Error, "unknown work kind")
}

func TestInstallOncePerTopology(t *testing.T) {
	reg := registry.NewMemory()
	kits := &countingKits{root: t.TempDir()}
	h1, _ := newAgent(t, "h1", reg, kits)
	h2, _ := newAgent(t, "h2", reg, kits)

	var wg sync.WaitGroup
	var installed atomic.Int32
	for i := 0; i < 8; i++ {
		srv := h1
		if i%2 == 1 {
			srv = h2
		}
		wg.Add(1)
		go func(srv *Server) {
			defer wg.Done()
			res, err := srv.Install(context.Background(), api.InstallWork{Topology: testTopology()})
			assert.NoError(t, err)
			if res.Installed {
				installed.Add(1)
			}
		}(srv)
	}
	wg.Wait()

	assert.EqualValues(t, 1, kits.installs.Load())
	assert.EqualValues(t, 1, installed.Load())

	rec, err := reg.Get(context.Background(), "topo-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateInstalled, rec.State)
	for idx := 0; idx < 2; idx++ {
		_, err := tcconfig.Read(tcconfig.Path(rec.Location, idx))
		assert.NoError(t, err, "group %d config", idx)
	}
}

func TestInstallFailureReleasesClaim(t *testing.T) {
	reg := registry.NewMemory()
	kits := &countingKits{root: t.TempDir(), fail: kit.ErrKitNotCached}
	srv, _ := newAgent(t, "h1", reg, kits)

	_, err := srv.Install(context.Background(), api.InstallWork{Topology: testTopology(), Offline: true})
	require.ErrorIs(t, err, kit.ErrKitNotCached)
	_, err = reg.Get(context.Background(), "topo-1")
	assert.True(t, errors.Is(err, registry.ErrNotFound))

	kits.fail = nil
	res, err := srv.Install(context.Background(), api.InstallWork{Topology: testTopology()})
	require.NoError(t, err)
	assert.True(t, res.Installed)
}

func TestInstallRejectsBadGroup(t *testing.T) {
	srv, _ := newAgent(t, "h1", registry.NewMemory(), &countingKits{root: t.TempDir()})
	_, err := srv.Install(context.Background(), api.InstallWork{Topology: testTopology(), GroupIndex: 5})
	assert.Error(t, err)
}

func TestStartStopWork(t *testing.T) {
	srv, ctrl := newAgent(t, "h1", registry.NewMemory(), &countingKits{root: t.TempDir()})
	spec := testTopology()

	rr, resp := postWork(t, srv.Handler(), "", api.WorkStart, api.StartWork{
		Server:   api.ServerSpec{Name: "B1", Hostname: "h1"},
		Topology: spec,
		Location: "/kits/topo-1",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, resp.Error)
	var res api.StartResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, api.StartedAsPassive, res.State)
	assert.Equal(t, "h1", resp.Host)

	_, resp = postWork(t, srv.Handler(), "", api.WorkStop, api.StopWork{Server: api.ServerSpec{Name: "B1"}, Topology: spec})
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"B1"}, ctrl.started)
	assert.Equal(t, []string{"B1"}, ctrl.stopped)

	_, resp = postWork(t, srv.Handler(), "", api.WorkStart, api.StartWork{Server: api.ServerSpec{Name: "A2"}, Topology: spec})
	assert.Contains(t, resp.Error, "belongs to host h2")
}

func TestMetrics(t *testing.T) {
	srv, _ := newAgent(t, "h1", registry.NewMemory(), &countingKits{root: t.TempDir()})
	postWork(t, srv.Handler(), "", "reboot", struct{}{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp MetricsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	names := map[string]bool{}
	for _, m := range resp.Metrics {
		names[m.Name] = true
	}
	assert.True(t, names["clusterctl_agent_work_failed"])
}
