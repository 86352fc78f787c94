package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestFullWorkflow builds both binaries and brings a one-server topology up
// against a local agent.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	tmpDir := t.TempDir()
	bin := filepath.Join(tmpDir, "bin")
	if err := buildBinaries(bin); err != nil {
		t.Fatalf("Failed to build binaries: %v", err)
	}
	env := append(os.Environ(), "XDG_CONFIG_HOME="+filepath.Join(tmpDir, "xdg"))

	t.Run("Init", func(t *testing.T) {
		out := run(t, env, filepath.Join(bin, "clusterctl"), "init")
		if !strings.Contains(out, "generated SSH key") {
			t.Fatalf("init did not generate a key: %s", out)
		}
		if _, err := os.Stat(filepath.Join(tmpDir, "xdg", "clusterctl", "known_hosts")); err != nil {
			t.Fatalf("known_hosts missing: %v", err)
		}
	})

	t.Run("CLI_Commands", func(t *testing.T) {
		for _, args := range [][]string{{"version"}, {"--help"}, {"completion", "bash"}} {
			run(t, env, filepath.Join(bin, "clusterctl"), args...)
		}
	})

	t.Run("Up", func(t *testing.T) {
		testUp(t, tmpDir, bin, env)
	})
}

func buildBinaries(dir string) error {
	for _, name := range []string{"clusterctl", "clusterctl-agent"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("build %s failed: %v\nOutput: %s", name, err, output)
		}
	}
	return nil
}

func run(t *testing.T, env []string, name string, args ...string) string {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Env = env
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Command %v failed: %v\nOutput: %s", args, err, output)
	}
	return string(output)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testUp(t *testing.T, tmpDir, bin string, env []string) {
	agentPort, gossipPort := freePort(t), freePort(t)
	registryPath := filepath.Join(tmpDir, "registry.db")

	// A cached kit whose server reports the active role and exits shortly after.
	script := filepath.Join(tmpDir, "cache", "kit-1.0.0", "server", "bin", "start-server.sh")
	if err := os.MkdirAll(filepath.Dir(script), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"Becoming State[ ACTIVE-COORDINATOR ]\"\nexec sleep 5\n"), 0755); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	agentCmd := exec.CommandContext(ctx, filepath.Join(bin, "clusterctl-agent"))
	agentCmd.Env = append(env,
		"CLUSTERCTL_AGENT_HOSTNAME=it-host",
		fmt.Sprintf("CLUSTERCTL_AGENT_LISTEN=127.0.0.1:%d", agentPort),
		"CLUSTERCTL_GOSSIP_BIND=127.0.0.1",
		fmt.Sprintf("CLUSTERCTL_GOSSIP_PORT=%d", gossipPort),
		"CLUSTERCTL_REGISTRY_BACKEND=sqlite",
		"CLUSTERCTL_SQLITE_PATH="+registryPath,
		"CLUSTERCTL_KIT_CACHE="+filepath.Join(tmpDir, "cache"),
		"CLUSTERCTL_KIT_WORK="+filepath.Join(tmpDir, "installs"),
		"CLUSTERCTL_OFFLINE=true",
		"CLUSTERCTL_AGENT_TOKEN=it-token",
	)
	if err := agentCmd.Start(); err != nil {
		t.Fatalf("Failed to start agent: %v", err)
	}
	defer func() {
		if agentCmd.Process != nil {
			_ = agentCmd.Process.Kill()
		}
	}()
	waitForHeartbeat(t, fmt.Sprintf("http://127.0.0.1:%d/v0/heartbeat", agentPort))

	configPath := filepath.Join(tmpDir, "config.yaml")
	config := fmt.Sprintf(`fabric:
  bind_addr: 127.0.0.1
  port: %d
  seeds: ["127.0.0.1:%d"]
registry:
  backend: sqlite
  sqlite_path: %s
agent:
  token: it-token
offline: true
`, gossipPort, gossipPort, registryPath)
	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	topologyPath := filepath.Join(tmpDir, "topology.yaml")
	topology := `id: it-topology
distribution:
  version: 1.0.0
groups:
  - name: stripe
    servers:
      - name: IT1
        hostname: it-host
`
	if err := os.WriteFile(topologyPath, []byte(topology), 0644); err != nil {
		t.Fatalf("Failed to write topology: %v", err)
	}

	out := run(t, env, filepath.Join(bin, "clusterctl"), "--config", configPath, "topology", "validate", topologyPath)
	if !strings.Contains(out, "IT1") {
		t.Fatalf("validate output missing server: %s", out)
	}
	out = run(t, env, filepath.Join(bin, "clusterctl"), "--config", configPath, "up", "--detach", "--timeout", "20s", topologyPath)
	if !strings.Contains(out, "STARTED_AS_ACTIVE") {
		t.Fatalf("server did not become active: %s", out)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "installs", "it-topology", "kit-1.0.0", "tc-config-0.yaml")); err != nil {
		t.Fatalf("group config not rendered: %v", err)
	}
}

func waitForHeartbeat(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("agent at %s never answered", url)
}
