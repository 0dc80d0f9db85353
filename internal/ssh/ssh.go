package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

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
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying with linear backoff.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		ch := make(chan res, 1)
		go func() {
			cli, err := xssh.Dial("tcp", c.Addr, cfg)
			ch <- res{cli: cli, err: err}
		}()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.err == nil {
				return r.cli, nil
			}
			lastErr = r.err
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("dial %s: %w", c.Addr, lastErr)
}

// Run executes command in a new session and returns the remote exit status.
// A command killed by a signal or closed without status reports -1.
func Run(ctx context.Context, cli *xssh.Client, command string) (int, error) {
	session, err := cli.NewSession()
	if err != nil {
		return -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGTERM)
		return -1, ctx.Err()
	case err = <-done:
	}
	if err == nil {
		return 0, nil
	}
	var exit *xssh.ExitError
	if errors.As(err, &exit) {
		return exit.ExitStatus(), nil
	}
	var missing *xssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return -1, fmt.Errorf("run command: %w", err)
}
