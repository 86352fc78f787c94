// Package kit provisions the installable server distribution on a host.
package kit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/clusterctl/pkg/api"
)

// ErrKitNotCached is returned in offline mode when the kit is not in the local cache.
var ErrKitNotCached = errors.New("kit not present in local cache")

// Installer produces an installed kit directory for one topology.
type Installer interface {
	InstallKit(ctx context.Context, license string, offline bool) (string, error)
}

// Provider hands out installers bound to a topology and its distribution.
type Provider interface {
	For(topologyID string, dist api.DistributionSpec) Installer
}

// Fetcher downloads a kit into dest.
type Fetcher interface {
	Fetch(ctx context.Context, name, dest string) error
}

type Config struct {
	CacheDir string `yaml:"cache_dir"`
	WorkDir  string `yaml:"work_dir"`
}

// Manager keeps kits under CacheDir/<package>-<version> and installs a fresh
// copy per topology under WorkDir/<topologyID>.
type Manager struct {
	cfg     Config
	fetcher Fetcher
	log     zerolog.Logger
}

// NewManager returns a manager; fetcher may be nil, which limits it to offline installs.
func NewManager(cfg Config, fetcher Fetcher) *Manager {
	return &Manager{cfg: cfg, fetcher: fetcher, log: log.With().Str("component", "kit").Logger()}
}

func (m *Manager) For(topologyID string, dist api.DistributionSpec) Installer {
	return &install{m: m, topologyID: topologyID, dist: dist}
}

// Name is the cache directory name of a distribution.
func Name(dist api.DistributionSpec) string {
	pkg := dist.Package
	if pkg == "" {
		pkg = "kit"
	}
	return pkg + "-" + dist.Version
}

type install struct {
	m          *Manager
	topologyID string
	dist       api.DistributionSpec
}

func (i *install) InstallKit(ctx context.Context, license string, offline bool) (string, error) {
	name := Name(i.dist)
	cached := filepath.Join(i.m.cfg.CacheDir, name)
	if _, err := os.Stat(cached); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat kit cache: %w", err)
		}
		if offline || i.m.fetcher == nil {
			return "", fmt.Errorf("%w: %s", ErrKitNotCached, cached)
		}
		if err := i.download(ctx, name, cached); err != nil {
			return "", err
		}
	}

	dest := filepath.Join(i.m.cfg.WorkDir, i.topologyID, name)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clean install dir: %w", err)
	}
	start := time.Now()
	if err := copyTree(ctx, cached, dest); err != nil {
		return "", fmt.Errorf("install kit %s: %w", name, err)
	}
	if license != "" {
		if err := copyFile(license, filepath.Join(dest, filepath.Base(license)), 0644); err != nil {
			return "", fmt.Errorf("install license: %w", err)
		}
	}
	i.m.log.Info().Str("kit", name).Str("dir", dest).Dur("took", time.Since(start)).Msg("Installed the kit")
	return dest, nil
}

func (i *install) download(ctx context.Context, name, cached string) error {
	tmp := cached + ".partial"
	_ = os.RemoveAll(tmp)
	i.m.log.Info().Str("kit", name).Msg("Downloading the kit")
	if err := i.m.fetcher.Fetch(ctx, name, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("fetch kit %s: %w", name, err)
	}
	if err := os.Rename(tmp, cached); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("move kit into cache: %w", err)
	}
	return nil
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(p, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Checksum returns the hex SHA256 of a file.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
