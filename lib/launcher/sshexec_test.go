// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launcher

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scrjob/scrjob/lib/config"
	"github.com/scrjob/scrjob/sdk/go/ctxlog"
	"github.com/scrjob/scrjob/sdk/go/nodeset"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&sshSuite{})

type sshSuite struct {
	cfg      *scrjob.Config
	server   *sshServer
	ctx      context.Context
	cancel   context.CancelFunc
	unusable string
}

func (s *sshSuite) SetUpTest(c *check.C) {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	c.Assert(err, check.IsNil)
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	authorized, err := ssh.NewPublicKey(clientPub)
	c.Assert(err, check.IsNil)
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	c.Assert(err, check.IsNil)
	keyFile := filepath.Join(c.MkDir(), "id_ed25519")
	c.Assert(os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600), check.IsNil)

	s.server = &sshServer{ctx: s.ctx, hostKey: hostKey, authorized: authorized}
	c.Assert(s.server.start(), check.IsNil)

	// A port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	s.unusable = ln.Addr().String()
	ln.Close()

	ldr := config.NewLoader(nil, ctxlog.TestLogger(c))
	ldr.Path = "-"
	s.cfg, err = ldr.Load()
	c.Assert(err, check.IsNil)
	s.cfg.Launcher.Name = "srun"
	s.cfg.Launcher.ParallelExec = "ssh"
	s.cfg.Launcher.SSH.User = "scrjob"
	s.cfg.Launcher.SSH.PrivateKeyFile = keyFile
	s.cfg.Launcher.SSH.ConnectTimeout = scrjob.Duration(2 * time.Second)
}

func (s *sshSuite) TearDownTest(c *check.C) {
	s.cancel()
	s.server.close()
}

func (s *sshSuite) newLauncher(c *check.C) JobLauncher {
	l, err := New(Options{Config: s.cfg, Logger: ctxlog.TestLogger(c)})
	c.Assert(err, check.IsNil)
	l.(*SRun).common.ssh.address = func(node string) string {
		if node == "node3" {
			return s.unusable
		}
		return s.server.addr()
	}
	return l
}

func (s *sshSuite) TestParallelExec(c *check.C) {
	l := s.newLauncher(c)
	outcome, err := l.ParallelExec(context.Background(), []string{"echo", "it's UP"}, nodeset.New("node1", "node2", "node3"), 10*time.Second)
	c.Assert(err, check.IsNil)
	c.Check(outcome.Status, check.Equals, scrjob.StatusFailed)
	c.Check(outcome.NodeOutput["node1"], check.Equals, "it's UP\n")
	c.Check(outcome.NodeOutput["node2"], check.Equals, "it's UP\n")
	c.Check(outcome.NodeOutput["node3"], check.Equals, "")
	c.Check(outcome.NodeFailed.Slice(), check.DeepEquals, []string{"node3"})
	c.Check(outcome.Silent(nodeset.New("node1", "node2", "node3")).Slice(), check.DeepEquals, []string{"node3"})
}

func (s *sshSuite) TestExitCode(c *check.C) {
	l := s.newLauncher(c)
	outcome, err := l.ParallelExec(context.Background(), []string{"sh", "-c", "echo oops >&2; exit 3"}, nodeset.New("node1"), 10*time.Second)
	c.Assert(err, check.IsNil)
	c.Check(outcome.Status, check.Equals, scrjob.StatusFailed)
	c.Check(outcome.ExitCode, check.Equals, 3)
	c.Check(outcome.Stderr, check.Equals, "node1: oops")
}

func (s *sshSuite) TestAllUnreachable(c *check.C) {
	l := s.newLauncher(c)
	outcome, err := l.ParallelExec(context.Background(), []string{"true"}, nodeset.New("node3"), 10*time.Second)
	c.Assert(err, check.IsNil)
	c.Check(outcome.Status, check.Equals, scrjob.StatusNotStarted)
}

func (s *sshSuite) TestTimeout(c *check.C) {
	l := s.newLauncher(c)
	t0 := time.Now()
	outcome, err := l.ParallelExec(context.Background(), []string{"sleep", "10"}, nodeset.New("node1", "node2"), 300*time.Millisecond)
	c.Assert(err, check.IsNil)
	c.Check(outcome.Status, check.Equals, scrjob.StatusTimedOut)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
}

func (s *sshSuite) TestResultDuration(c *check.C) {
	l := s.newLauncher(c)
	res := l.(*SRun).common.ssh.run(context.Background(), "node1", []string{"sleep", "0.2"})
	c.Check(res.OK(), check.Equals, true)
	c.Check(res.ExitCode, check.Equals, 0)
	c.Check(res.Duration >= 200*time.Millisecond, check.Equals, true, check.Commentf("%v", res.Duration))
}

func (s *sshSuite) TestMissingKey(c *check.C) {
	s.cfg.Launcher.SSH.PrivateKeyFile = filepath.Join(c.MkDir(), "nonexistent")
	_, err := New(Options{Config: s.cfg})
	c.Check(err, check.ErrorMatches, `no usable ssh private key: .*`)
}

func (s *sshSuite) TestShellQuote(c *check.C) {
	c.Check(shellQuote([]string{"echo", "a b", "it's"}), check.Equals, `'echo' 'a b' 'it'\''s'`)
}

// sshServer accepts ssh connections on a local port and runs "exec"
// requests with bash.
type sshServer struct {
	ctx        context.Context
	hostKey    ssh.Signer
	authorized ssh.PublicKey
	listener   net.Listener
}

func (srv *sshServer) start() error {
	sconf := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), srv.authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", conn.User())
		},
	}
	sconf.AddHostKey(srv.hostKey)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv.listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, sconf)
		}
	}()
	return nil
}

func (srv *sshServer) addr() string {
	return srv.listener.Addr().String()
}

func (srv *sshServer) close() {
	srv.listener.Close()
}

func (srv *sshServer) serve(nConn net.Conn, sconf *ssh.ServerConfig) {
	defer nConn.Close()
	conn, chans, reqs, err := ssh.NewServerConn(nConn, sconf)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range chans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range reqs {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var execReq struct{ Command string }
				ssh.Unmarshal(req.Payload, &execReq)
				req.Reply(true, nil)
				go func() {
					var resp struct{ Status uint32 }
					resp.Status = srv.exec(execReq.Command, ch, ch.Stderr())
					ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
					ch.Close()
				}()
			}
		}()
	}
}

func (srv *sshServer) exec(command string, stdout, stderr io.Writer) uint32 {
	cmd := exec.CommandContext(srv.ctx, "bash", "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Exited() {
			return uint32(ws.ExitStatus())
		}
		return 1
	} else if err != nil {
		return 1
	}
	return 0
}
