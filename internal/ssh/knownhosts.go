package ssh

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// AppendKnownHost pins authorizedKey for host (host or host:port). An identical
// entry is not written twice. It reports whether a line was added.
func AppendKnownHost(path, host, authorizedKey string) (bool, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return false, err
	}
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return false, fmt.Errorf("parse authorized key: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(host)}, pubKey)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return false, fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.TrimSpace(s.Text()) == line {
			return false, nil
		}
	}
	if err := s.Err(); err != nil {
		return false, fmt.Errorf("read known_hosts: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		return false, fmt.Errorf("write known_hosts: %w", err)
	}
	return true, nil
}

// LoadKnownHostsCallback returns a strict host key callback using the given file.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}
