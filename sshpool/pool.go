// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sshpool maintains long-lived authenticated shell sessions to the
// validator nodes and multiplexes commands over them. One session exists per
// (host, port, user) endpoint; commands on a session are strictly serial.
package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/melbahja/goph"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/luxfi/vswitch/config"
)

// Transport and remote execution errors
var (
	ErrConnectFailed = errors.New("connect failed")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrChannelClosed = errors.New("channel closed")
	ErrTimeout       = errors.New("command timed out")
)

// DefaultTimeout bounds a command when the caller's context carries no
// deadline of its own.
const DefaultTimeout = 30 * time.Second

// Result is the captured outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a non-zero remote exit. It is a remote error, not a
// transport error: the session stays cached.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited %d: %s", e.Code, strings.TrimSpace(e.Stderr))
}

// CommandRunner executes a shell command line on a node. Implemented by Pool;
// faked in tests.
type CommandRunner interface {
	Execute(ctx context.Context, node config.NodeConfig, command string) (Result, error)
}

type endpoint struct {
	host string
	port int
	user string
}

func (e endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.user, e.host, e.port)
}

// session guards one cached connection. The mutex serializes commands; the
// client is nil until first use and after eviction.
type session struct {
	mu     sync.Mutex
	client *goph.Client
}

// Pool caches authenticated sessions for the life of the process.
type Pool struct {
	log     log.Logger
	keyPath string

	mu       sync.Mutex
	sessions map[endpoint]*session
}

// New creates a pool that authenticates with the private key at keyPath.
func New(logger log.Logger, keyPath string) *Pool {
	return &Pool{
		log:      logger,
		keyPath:  keyPath,
		sessions: make(map[endpoint]*session),
	}
}

// Execute runs one command line on node, reusing the node's cached session
// when possible. Transport failures evict the session so the next call
// reopens; user commands are never retried here.
func (p *Pool) Execute(ctx context.Context, node config.NodeConfig, command string) (Result, error) {
	ep := endpoint{host: node.Host, port: node.Port, user: node.User}
	s := p.holder(ep)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		client, err := p.dial(ep)
		if err != nil {
			return Result{}, err
		}
		s.client = client
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	res, err := run(ctx, s.client, command)
	if err != nil && isTransport(err) {
		p.log.Warn("evicting shell session",
			zap.String("endpoint", ep.String()),
			zap.Error(err),
		)
		_ = s.client.Close()
		s.client = nil
	}
	return res, err
}

// TestConnections opens (or reuses) a session to every node and runs a no-op
// command, returning one error slot per node in input order.
func (p *Pool) TestConnections(ctx context.Context, nodes []config.NodeConfig) []error {
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node config.NodeConfig) {
			defer wg.Done()
			_, errs[i] = p.Execute(ctx, node, "true")
		}(i, node)
	}
	wg.Wait()
	return errs
}

// Close tears down every cached session.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ep, s := range p.sessions {
		s.mu.Lock()
		if s.client != nil {
			_ = s.client.Close()
			s.client = nil
		}
		s.mu.Unlock()
		delete(p.sessions, ep)
	}
}

func (p *Pool) holder(ep endpoint) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[ep]
	if !ok {
		s = &session{}
		p.sessions[ep] = s
	}
	return s
}

func (p *Pool) dial(ep endpoint) (*goph.Client, error) {
	auth, err := goph.Key(p.keyPath, "")
	if err != nil {
		return nil, fmt.Errorf("%w: reading key %s: %v", ErrAuthFailed, p.keyPath, err)
	}
	client, err := goph.NewConn(&goph.Config{
		User:    ep.user,
		Addr:    ep.host,
		Port:    uint(ep.port),
		Auth:    auth,
		Timeout: 10 * time.Second,
		// Host keys are the operator's concern; the controller connects to
		// exactly the hosts named in its own config file.
		Callback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, ep)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, ep, err)
	}
	p.log.Debug("shell session established", zap.String("endpoint", ep.String()))
	return client, nil
}

// run executes command on an already-open client, honoring ctx. On timeout
// the remote command is interrupted and the channel closed.
func run(ctx context.Context, client *goph.Client, command string) (Result, error) {
	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGINT)
		_ = sess.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, ErrTimeout
		}
		return Result{}, ctx.Err()
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, &ExitError{Code: res.ExitCode, Stderr: res.Stderr}
		}
		return res, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
}

// isTransport reports whether err should evict the session. Non-zero remote
// exits keep the session; everything else does not.
func isTransport(err error) bool {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return false
	}
	return true
}
