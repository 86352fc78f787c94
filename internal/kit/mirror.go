package kit

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	gssh "github.com/3cpo-dev/clusterctl/internal/ssh"
)

const sumsFile = "SHA256SUMS"

type MirrorConfig struct {
	Addr       string `yaml:"addr"`
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	Dir        string `yaml:"dir"`
	Retries    int    `yaml:"retries"`
}

// SFTPFetcher pulls kits from a mirror host over SSH. A SHA256SUMS file in the
// kit directory, when present, is verified after the download.
type SFTPFetcher struct {
	cfg MirrorConfig
}

func NewSFTPFetcher(cfg MirrorConfig) *SFTPFetcher {
	return &SFTPFetcher{cfg: cfg}
}

func (f *SFTPFetcher) Fetch(ctx context.Context, name, dest string) error {
	signer, err := gssh.LoadPrivateKeySigner(f.cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load SSH key: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(f.cfg.KnownHosts)
	if err != nil {
		return fmt.Errorf("load known hosts: %w", err)
	}
	cli, err := gssh.Dial(ctx, &gssh.Client{
		Addr:       f.cfg.Addr,
		User:       f.cfg.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    30 * time.Second,
		Retries:    f.cfg.Retries,
		Backoff:    500 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer cli.Close()

	n, err := gssh.PullDir(ctx, cli, path.Join(f.cfg.Dir, name), dest)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("kit %s is empty on mirror %s", name, f.cfg.Addr)
	}
	return VerifySums(dest)
}

// VerifySums checks every "<sha256>  <path>" line of dir/SHA256SUMS. A missing
// sums file is not an error.
func VerifySums(dir string) error {
	f, err := os.Open(filepath.Join(dir, sumsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", sumsFile, err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) != 2 {
			continue
		}
		want, rel := fields[0], strings.TrimPrefix(fields[1], "*")
		got, err := Checksum(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("checksum %s: %w", rel, err)
		}
		if got != want {
			return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", rel, want, got)
		}
	}
	return s.Err()
}
