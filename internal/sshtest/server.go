// Package sshtest runs a minimal in-process ssh server for tests that
// exercise the real OpenSSH client binary end to end.
//
// The server supports the two session shapes the fetcher uses: an
// interactive shell whose input lines are answered by a callback (the
// control channel), and exec requests answered by a second callback (data
// and verifier children). Authentication is a generated ed25519 key pair;
// the client private key is written to disk so it can be passed to ssh -i.
package sshtest

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	gossh "golang.org/x/crypto/ssh"
)

// ExecFunc answers one exec request: output bytes and exit status.
type ExecFunc func(cmd string) ([]byte, int)

// ShellLineFunc answers one line written to the interactive shell.
type ShellLineFunc func(line string) []byte

// Server is a listening test ssh server.
type Server struct {
	Port    int
	KeyFile string // client private key, PEM, mode 0600

	exec      ExecFunc
	shellLine ShellLineFunc

	listener net.Listener
	wg       sync.WaitGroup
	closed   chan struct{}
}

// New starts a server on 127.0.0.1. Either callback may be nil; the
// corresponding request kind is then rejected.
func New(dir string, exec ExecFunc, shellLine ShellLineFunc) (*Server, error) {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		return nil, fmt.Errorf("host signer: %w", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate client key: %w", err)
	}
	clientSSHPub, err := gossh.NewPublicKey(clientPub)
	if err != nil {
		return nil, fmt.Errorf("client public key: %w", err)
	}

	block, err := gossh.MarshalPrivateKey(clientPriv, "sshtest")
	if err != nil {
		return nil, fmt.Errorf("marshal client key: %w", err)
	}
	keyFile := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("write client key: %w", err)
	}

	cfg := &gossh.ServerConfig{
		PublicKeyCallback: func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if string(key.Marshal()) == string(clientSSHPub.Marshal()) {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{
		Port:      listener.Addr().(*net.TCPAddr).Port,
		KeyFile:   keyFile,
		exec:      exec,
		shellLine: shellLine,
		listener:  listener,
		closed:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop(cfg)
	return s, nil
}

// SSHConnect returns ssh client arguments that reach this server without
// touching the user's ssh configuration or known hosts.
func (s *Server) SSHConnect() []string {
	return []string{
		"-F", "/dev/null",
		"-i", s.KeyFile,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "IdentitiesOnly=yes",
		"-p", strconv.Itoa(s.Port),
		"sshtest@127.0.0.1",
	}
}

// Close stops accepting and waits for in-flight sessions.
func (s *Server) Close() {
	close(s.closed)
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop(cfg *gossh.ServerConfig) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, cfg)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn, cfg *gossh.ServerConfig) {
	sshConn, chans, reqs, err := gossh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()
	go gossh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSession(ch, chReqs)
		}()
	}
}

func (s *Server) handleSession(ch gossh.Channel, reqs <-chan *gossh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			if s.exec == nil || len(req.Payload) < 4 {
				req.Reply(false, nil)
				continue
			}
			cmdLen := binary.BigEndian.Uint32(req.Payload)
			cmd := string(req.Payload[4 : 4+cmdLen])
			req.Reply(true, nil)

			out, exit := s.exec(cmd)
			ch.Write(out)
			sendExitStatus(ch, exit)
			return
		case "shell":
			if s.shellLine == nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.runShell(ch)
			return
		case "pty-req", "env":
			req.Reply(false, nil)
		default:
			req.Reply(false, nil)
		}
	}
}

// runShell answers each input line via the callback until the client hangs
// up.
func (s *Server) runShell(ch gossh.Channel) {
	scanner := bufio.NewScanner(ch)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-s.closed:
			return
		default:
		}
		if out := s.shellLine(scanner.Text()); len(out) > 0 {
			if _, err := ch.Write(out); err != nil {
				return
			}
		}
	}
}

func sendExitStatus(ch gossh.Channel, code int) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(code))
	ch.SendRequest("exit-status", false, payload[:])
}
