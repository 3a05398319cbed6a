// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshExec runs commands on nodes over ssh connections made by this
// process, instead of starting a remote shell subprocess per node.
type sshExec struct {
	user           string
	port           string
	signers        []ssh.Signer
	hostKey        ssh.HostKeyCallback
	connectTimeout time.Duration

	// (for testing) if non-nil, returns the address to dial for
	// the given node.
	address func(node string) string
}

func newSSHExec(cfg *scrjob.Config) (*sshExec, error) {
	conf := cfg.Launcher.SSH
	se := &sshExec{
		user:           conf.User,
		port:           conf.Port,
		connectTimeout: conf.ConnectTimeout.Duration(),
	}
	if se.user == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("Launcher.SSH.User is empty and current user is unknown: %w", err)
		}
		se.user = u.Username
	}
	if se.port == "" {
		se.port = "ssh"
	}
	if se.connectTimeout <= 0 {
		se.connectTimeout = 10 * time.Second
	}
	signer, err := loadSigner(conf.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	se.signers = []ssh.Signer{signer}
	if conf.KnownHostsFile == "" {
		se.hostKey = ssh.InsecureIgnoreHostKey()
	} else {
		se.hostKey, err = knownhosts.New(conf.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading Launcher.SSH.KnownHostsFile: %w", err)
		}
	}
	return se, nil
}

// loadSigner reads a private key from path, or from the usual
// locations in ~/.ssh if path is empty.
func loadSigner(path string) (ssh.Signer, error) {
	paths := []string{path}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("Launcher.SSH.PrivateKeyFile is empty and home directory is unknown: %w", err)
		}
		paths = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}
	var errs []error
	for _, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh private key %s: %w", path, err)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no usable ssh private key: %w", errors.Join(errs...))
}

func (se *sshExec) addr(node string) string {
	if se.address != nil {
		return se.address(node)
	}
	return net.JoinHostPort(node, se.port)
}

// run runs argv on node and reports the result the same way
// procrun.Runner.Output does.
func (se *sshExec) run(ctx context.Context, node string, argv []string) (res procrun.Result) {
	res = procrun.Result{Args: argv, ExitCode: -1, StartedAt: time.Now()}
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	client, err := se.dial(ctx, node)
	if err != nil {
		res.Err = fmt.Errorf("%w: %s", procrun.ErrNotStarted, err)
		return res
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		res.Err = fmt.Errorf("%w: %s", procrun.ErrNotStarted, err)
		return res
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(shellQuote(argv)) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		// Closing the connection ends the remote session.
		client.Close()
		<-done
		err = ctx.Err()
	}
	res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		res.Err = err
	default:
		res.Err = err
	}
	return res
}

func (se *sshExec) dial(ctx context.Context, node string) (*ssh.Client, error) {
	addr := se.addr(node)
	dialer := net.Dialer{Timeout: se.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(se.connectTimeout))
	sshconn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            se.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(se.signers...)},
		HostKeyCallback: se.hostKey,
		Timeout:         se.connectTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshconn, chans, reqs), nil
}

// shellQuote returns argv as a single string that a POSIX shell
// splits back into argv.
func shellQuote(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
