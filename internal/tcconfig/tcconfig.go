// Package tcconfig renders the configuration file shared by one server group.
package tcconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/clusterctl/internal/topology"
)

const (
	DefaultTSAPort   = 9410
	DefaultGroupPort = 9430
)

type Server struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	TSAPort   int    `yaml:"tsa_port"`
	GroupPort int    `yaml:"group_port"`
	Logs      string `yaml:"logs"`
	Data      string `yaml:"data"`
}

type File struct {
	Group   string   `yaml:"group"`
	Index   int      `yaml:"index"`
	Version string   `yaml:"version"`
	Servers []Server `yaml:"servers"`
}

// Path is where the config of the group at index lives inside kitDir.
func Path(kitDir string, index int) string {
	return filepath.Join(kitDir, fmt.Sprintf("tc-config-%d.yaml", index))
}

// LogsDir is unique per group index and server so groups sharing a kit never
// write to the same log directory.
func LogsDir(kitDir string, index int, server string) string {
	return filepath.Join(kitDir, "logs", fmt.Sprintf("group-%d", index), server)
}

// Render builds the config of group with paths rooted at kitDir.
func Render(kitDir string, group topology.ServerGroup) File {
	f := File{Group: group.Name, Index: group.Index, Version: group.Version}
	for _, s := range group.Servers {
		tsa, grp := s.TSAPort, s.GroupPort
		if tsa == 0 {
			tsa = DefaultTSAPort
		}
		if grp == 0 {
			grp = DefaultGroupPort
		}
		f.Servers = append(f.Servers, Server{
			Name:      s.SymbolicName,
			Host:      s.Hostname,
			TSAPort:   tsa,
			GroupPort: grp,
			Logs:      LogsDir(kitDir, group.Index, s.SymbolicName),
			Data:      filepath.Join(kitDir, "data", fmt.Sprintf("group-%d", group.Index), s.SymbolicName),
		})
	}
	return f
}

// Write renders group into kitDir and returns the file path.
func Write(kitDir string, group topology.ServerGroup) (string, error) {
	f := Render(kitDir, group)
	for _, s := range f.Servers {
		if err := os.MkdirAll(s.Logs, 0755); err != nil {
			return "", fmt.Errorf("create logs dir: %w", err)
		}
	}
	out, err := yaml.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	p := Path(kitDir, group.Index)
	if err := os.WriteFile(p, out, 0644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return p, nil
}

// Read loads a rendered config.
func Read(p string) (File, error) {
	var f File
	content, err := os.ReadFile(p)
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &f); err != nil {
		return f, fmt.Errorf("parse config: %w", err)
	}
	return f, nil
}
