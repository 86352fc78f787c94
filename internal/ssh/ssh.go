package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying with backoff.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	var cli *xssh.Client
	err = retry.Do(
		func() error {
			var err error
			cli, err = dialOnce(ctx, c.Addr, cfg)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(retries)+1),
		retry.Delay(backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().Err(err).Str("addr", c.Addr).Msgf("ssh dial failed, attempt: %d", attempt)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, err)
	}
	return cli, nil
}

func dialOnce(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// RunCommand executes one remote command on an established connection.
func RunCommand(cli *xssh.Client, command string) (string, error) {
	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(command)
	if err != nil {
		return string(out), fmt.Errorf("run command: %w", err)
	}
	return string(out), nil
}
