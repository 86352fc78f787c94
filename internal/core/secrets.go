package core

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// TokenEnv carries the bearer token shared by the orchestrator and the agents.
const TokenEnv = "CLUSTERCTL_AGENT_TOKEN"

// LoadSecretsEnv reads ConfigDir()/secrets.env and returns key/value pairs.
// Lines starting with # are ignored. Format: KEY=VALUE
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), "secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil // not fatal if missing
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			out[strings.TrimSpace(line[:i])] = strings.Trim(strings.TrimSpace(line[i+1:]), `"`)
		}
	}
	return out, s.Err()
}
