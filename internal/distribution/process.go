package distribution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/clusterctl/internal/tcconfig"
	"github.com/3cpo-dev/clusterctl/internal/topology"
	"github.com/3cpo-dev/clusterctl/pkg/api"
)

const (
	DefaultActiveMarker  = "ACTIVE-COORDINATOR"
	DefaultPassiveMarker = "PASSIVE-STANDBY"
	DefaultStartScript   = "server/bin/start-server.sh"
)

// ProcessController runs the kit's start script and reads the role the server
// reports on its console.
type ProcessController struct {
	StartScript   string
	ActiveMarker  string
	PassiveMarker string

	mu        sync.Mutex
	processes map[string]*serverProcess
	log       zerolog.Logger
}

type serverProcess struct {
	cmd   *exec.Cmd
	state api.ServerState
	done  chan struct{}
	err   error
}

func NewProcessController() *ProcessController {
	return &ProcessController{
		StartScript:   DefaultStartScript,
		ActiveMarker:  DefaultActiveMarker,
		PassiveMarker: DefaultPassiveMarker,
		processes:     map[string]*serverProcess{},
		log:           log.With().Str("component", "process-controller").Logger(),
	}
}

func (c *ProcessController) Start(ctx context.Context, server topology.Server, topo *topology.Topology, kitLocation string) (api.ServerState, error) {
	c.mu.Lock()
	if p, ok := c.processes[server.SymbolicName]; ok {
		select {
		case <-p.done:
			delete(c.processes, server.SymbolicName)
		default:
			c.mu.Unlock()
			return p.state, nil
		}
	}
	c.mu.Unlock()

	group, ok := topo.Group(server.SymbolicName)
	if !ok {
		return "", fmt.Errorf("server %s is not part of topology %s", server.SymbolicName, topo.ID())
	}
	cfgPath := tcconfig.Path(kitLocation, group.Index)
	cfg, err := tcconfig.Read(cfgPath)
	if err != nil {
		return "", fmt.Errorf("server %s: %w", server.SymbolicName, err)
	}
	logsDir := ""
	for _, s := range cfg.Servers {
		if s.Name == server.SymbolicName {
			logsDir = s.Logs
		}
	}
	if logsDir == "" {
		return "", fmt.Errorf("server %s is missing from %s", server.SymbolicName, cfgPath)
	}

	script := filepath.Join(kitLocation, filepath.FromSlash(c.StartScript))
	cmd := exec.Command(script, "-n", server.SymbolicName, "-f", cfgPath)
	cmd.Dir = kitLocation
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	console, err := os.Create(filepath.Join(logsDir, "console.log"))
	if err != nil {
		return "", fmt.Errorf("create console log: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		console.Close()
		return "", fmt.Errorf("start %s: %w", server.SymbolicName, err)
	}
	c.log.Info().Str("server", server.SymbolicName).Int("pid", cmd.Process.Pid).Msg("Started server process")

	p := &serverProcess{cmd: cmd, done: make(chan struct{})}
	roles := make(chan api.ServerState, 1)
	go c.scan(pr, console, roles)
	go func() {
		p.err = cmd.Wait()
		pw.Close()
		close(p.done)
	}()

	select {
	case state := <-roles:
		p.state = state
		c.mu.Lock()
		c.processes[server.SymbolicName] = p
		c.mu.Unlock()
		return state, nil
	case <-p.done:
		if p.err != nil {
			return "", fmt.Errorf("server %s exited before joining: %w", server.SymbolicName, p.err)
		}
		return "", fmt.Errorf("server %s exited before joining", server.SymbolicName)
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-p.done
		return "", ctx.Err()
	}
}

func (c *ProcessController) scan(r io.Reader, console *os.File, roles chan<- api.ServerState) {
	defer console.Close()
	reported := false
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		line := s.Text()
		_, _ = console.WriteString(line + "\n")
		if reported {
			continue
		}
		switch {
		case strings.Contains(line, c.PassiveMarker):
			roles <- api.StartedAsPassive
			reported = true
		case strings.Contains(line, c.ActiveMarker):
			roles <- api.StartedAsActive
			reported = true
		}
	}
	if s.Err() != nil {
		// the child must never block on a full pipe
		_, _ = io.Copy(console, r)
	}
}

func (c *ProcessController) Stop(ctx context.Context, server topology.Server) error {
	c.mu.Lock()
	p, ok := c.processes[server.SymbolicName]
	delete(c.processes, server.SymbolicName)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal %s: %w", server.SymbolicName, err)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-p.done
	}
	c.log.Info().Str("server", server.SymbolicName).Int("pid", pid).Msg("Stopped server process")
	return nil
}

// Running returns the names of the servers with a live process.
func (c *ProcessController) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name, p := range c.processes {
		select {
		case <-p.done:
		default:
			out = append(out, name)
		}
	}
	return out
}
