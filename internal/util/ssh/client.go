// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/execcontext"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrExitStatusMissing is returned when the remote end closed the session
	// without reporting an exit status.
	ErrExitStatusMissing = errors.New("remote command exited without status")
	// ErrServerUnavailable is returned by AwaitServer on timeout.
	ErrServerUnavailable = errors.New("ssh server unavailable")
)

const dialTimeout = 10 * time.Second

// Client runs commands on a remote host. Every call opens its own
// connection.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string

	// Base is applied to every command through execcontext.FormatScript,
	// e.g. a "sudo -n" prepend for unprivileged logins. Optional.
	Base execcontext.Context
}

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return NewClientFromKey(host, user, key, port), nil
}

// NewClientFromKey creates a new SSH client from an in-memory PEM key.
func NewClientFromKey(host, user string, privateKey []byte, port string) *Client {
	if port == "" {
		port = "22"
	}
	return &Client{
		Host:       host,
		User:       user,
		PrivateKey: privateKey,
		Port:       port,
	}
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Run executes cmd through the remote shell. A non-zero exit status is
// reported through exitCode with a nil error; err is only set when the
// command could not be run or its status could not be observed.
func (c *Client) Run(
	ctx context.Context,
	cmd string,
) (stdout, stderr string, exitCode int, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", "", -1, err
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if c.Base != nil {
		cmd = execcontext.FormatScript(c.Base, cmd)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = conn.Close()
		<-done
		return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
	case err = <-done:
	}

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case err == nil:
		return stdoutBuf.String(), stderrBuf.String(), 0, nil
	case errors.As(err, &exitErr):
		return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitStatus(), nil
	case errors.As(err, &missingErr):
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("%w: %w", ErrExitStatusMissing, err)
	default:
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("remote command failed: %w", err)
	}
}

// DialContext opens a connection from the remote host to addr, e.g. a port
// bound to the guest loopback interface.
func (c *Client) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	target, err := conn.DialContext(ctx, network, addr)
	if err != nil {
		runFuncAndLogErr(conn.Close)
		return nil, fmt.Errorf("unable to dial %s through %s: %w", addr, c.Addr(), err)
	}

	return &tunneledConn{Conn: target, client: conn}, nil
}

// AwaitServer waits for the SSH server to accept our key.
func (c *Client) AwaitServer(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		slog.Debug("waiting for ssh server", "addr", c.Addr(), "err", err.Error())

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: timed out after %s waiting for %s: %w", ErrServerUnavailable, timeout, c.Addr(), err)
		case <-tick.C:
		}
	}
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // guests are ephemeral
		Timeout:         dialTimeout,
	}, nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := c.Addr()
	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// tunneledConn closes the carrying SSH connection along with the tunnel.
type tunneledConn struct {
	net.Conn
	client *ssh.Client
}

func (t *tunneledConn) Close() error {
	err := t.Conn.Close()
	runFuncAndLogErr(t.client.Close)
	return err
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
