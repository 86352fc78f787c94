package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/clusterctl/internal/kit"
	"github.com/3cpo-dev/clusterctl/internal/registry"
)

type Config struct {
	Fabric   FabricConfig     `yaml:"fabric"`
	Registry registry.Config  `yaml:"registry"`
	Agent    AgentConfig      `yaml:"agent"`
	SSH      SSHConfig        `yaml:"ssh"`
	Mirror   kit.MirrorConfig `yaml:"mirror"`

	// Offline restricts agents to kits already in their local cache.
	Offline      bool          `yaml:"offline"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

type FabricConfig struct {
	BindAddr     string   `yaml:"bind_addr"`
	Port         int      `yaml:"port"`
	Seeds        []string `yaml:"seeds"`
	JoinAttempts uint     `yaml:"join_attempts"`
}

type AgentConfig struct {
	Token      string `yaml:"token"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

type SSHConfig struct {
	KeyDir     string `yaml:"key_dir"`
	KnownHosts string `yaml:"known_hosts"`
}

// ConfigDir is $XDG_CONFIG_HOME/clusterctl or ~/.config/clusterctl.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "clusterctl")
}

func DefaultConfig() Config {
	dir := ConfigDir()
	return Config{
		Fabric:       FabricConfig{Port: 7946, JoinAttempts: 3},
		Registry:     registry.Config{Backend: "etcd", EtcdEndpoints: []string{"127.0.0.1:2379"}, TimeoutSeconds: 5},
		SSH:          SSHConfig{KeyDir: filepath.Join(dir, "keys"), KnownHosts: filepath.Join(dir, "known_hosts")},
		Mirror:       kit.MirrorConfig{User: "kits", Retries: 3},
		StartTimeout: DefaultTimeout,
	}
}

// LoadConfig reads YAML configuration from a path over DefaultConfig. If path
// is empty, it resolves ConfigDir()/config.yaml and a missing file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, fmt.Errorf("read secrets: %w", err)
	}
	if v := os.Getenv(TokenEnv); v != "" {
		secrets[TokenEnv] = v
	}
	if t, ok := secrets[TokenEnv]; ok && t != "" {
		cfg.Agent.Token = t
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultTimeout
	}
	return cfg, nil
}

// WriteConfig stores cfg at path unless a file is already there.
func WriteConfig(path string, cfg Config) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("mkdir config dir: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
