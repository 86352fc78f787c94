package registry

import (
	"fmt"
	"time"
)

// Config selects and configures a registry backend.
type Config struct {
	Backend        string   `yaml:"backend"`
	EtcdEndpoints  []string `yaml:"etcd_endpoints"`
	SQLitePath     string   `yaml:"sqlite_path"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Open returns the backend named by cfg.Backend: "etcd", "sqlite" or "memory".
func Open(cfg Config) (Registry, error) {
	switch cfg.Backend {
	case "etcd":
		if len(cfg.EtcdEndpoints) == 0 {
			return nil, fmt.Errorf("registry: etcd backend needs at least one endpoint")
		}
		timeout := 5 * time.Second
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		return NewEtcd(cfg.EtcdEndpoints, timeout)
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("registry: sqlite backend needs a path")
		}
		return NewSQLite(cfg.SQLitePath)
	case "", "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("registry: unknown backend %q", cfg.Backend)
	}
}
