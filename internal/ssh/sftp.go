package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PullFile downloads a remote file to a local path via SFTP.
func PullFile(ctx context.Context, client *xssh.Client, remotePath, localPath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	return pullFile(ctx, sf, remotePath, localPath)
}

// PullDir downloads the remote directory tree rooted at remoteDir into localDir.
func PullDir(ctx context.Context, client *xssh.Client, remoteDir, localDir string) (int, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	files := 0
	walker := sf.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return files, fmt.Errorf("walk %s: %w", walker.Path(), err)
		}
		if err := ctx.Err(); err != nil {
			return files, err
		}
		rel, err := filepath.Rel(remoteDir, walker.Path())
		if err != nil {
			return files, err
		}
		dst := filepath.Join(localDir, filepath.FromSlash(rel))
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(dst, 0755); err != nil {
				return files, fmt.Errorf("mkdir local: %w", err)
			}
			continue
		}
		if err := pullFile(ctx, sf, walker.Path(), dst); err != nil {
			return files, err
		}
		if err := os.Chmod(dst, walker.Stat().Mode().Perm()); err != nil {
			return files, fmt.Errorf("chmod %s: %w", dst, err)
		}
		files++
	}
	return files, nil
}

func pullFile(ctx context.Context, sf *sftp.Client, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("mkdir local: %w", err)
	}
	src, err := sf.Open(path.Clean(remotePath))
	if err != nil {
		return fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}
