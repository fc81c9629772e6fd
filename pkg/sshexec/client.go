// Copyright 2025 The vmharness authors
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

package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/crypto/ssh"
)

// Client implements Runner over a real SSH connection. It holds only the
// target's identity and credentials, never the VM itself. Each Run opens
// a fresh connection and session so that a guest reboot between commands
// cannot poison later ones.
type Client struct {
	Host string
	Port string
	User string

	signer      ssh.Signer
	dialTimeout time.Duration
}

// NewClient creates a client bound to one VM's generated key pair.
func NewClient(host, port, user string, privateKeyPEM []byte) (*Client, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse private key: %v", ErrConnection, err)
	}
	return &Client{
		Host:        host,
		Port:        port,
		User:        user,
		signer:      signer,
		dialTimeout: 10 * time.Second,
	}, nil
}

func (c *Client) clientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(c.signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // ephemeral test guests, no host key continuity
		Timeout:         c.dialTimeout,
	}
}

func (c *Client) dial() (*ssh.Client, error) {
	addr := net.JoinHostPort(c.Host, c.Port)
	conn, err := ssh.Dial("tcp", addr, c.clientConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: unable to connect to %s: %v", ErrConnection, addr, err)
	}
	return conn, nil
}

// Run implements Runner.
func (c *Client) Run(command string) (Result, error) {
	conn, err := c.dial()
	if err != nil {
		return Result{}, err
	}
	defer closeAndLog(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: unable to create session: %v", ErrConnection, err)
	}
	defer closeAndLog(session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	slog.Debug("running remote command", "host", c.Host, "command", command)
	err = session.Run(command)

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.Status = exitErr.ExitStatus()
		return res, &CommandError{Status: res.Status, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("%w: command %q: %v", ErrConnection, command, err)
}

// RunExpectingDisconnect implements Runner. The transport signals
// "connection dropped mid-command" as a session that ends without an exit
// status; that, not any numeric exit code, is the disconnect contract.
func (c *Client) RunExpectingDisconnect(command string) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer closeAndLog(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return fmt.Errorf("%w: unable to create session: %v", ErrConnection, err)
	}
	defer closeAndLog(session.Close)

	err = session.Run(command)
	return classifyDisconnect(command, err)
}

func classifyDisconnect(command string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %q exited with status 0", ErrCleanExit, command)
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %q exited with status %d", ErrCleanExit, command, exitErr.ExitStatus())
	}

	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) || errors.Is(err, io.EOF) {
		slog.Debug("connection dropped as expected", "command", command)
		return nil
	}

	return fmt.Errorf("%w: command %q: %v", ErrConnection, command, err)
}

// WaitReachable implements Runner. It polls with exponential backoff until
// a login session can be established again, e.g. after a reboot.
func (c *Client) WaitReachable(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Second

	probe := func() (struct{}, error) {
		conn, err := c.dial()
		if err != nil {
			slog.Debug("ssh probe failed, retrying", "host", c.Host, "err", err.Error())
			return struct{}{}, err
		}
		defer closeAndLog(conn.Close)

		session, err := conn.NewSession()
		if err != nil {
			return struct{}{}, fmt.Errorf("%w: unable to create session: %v", ErrConnection, err)
		}
		closeAndLog(session.Close)
		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(timeout),
	); err != nil {
		return fmt.Errorf("%w: %s:%s not reachable within %s", ErrTimeout, c.Host, c.Port, timeout)
	}
	return nil
}

func closeAndLog(f func() error) {
	if err := f(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
