package control_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"

	"github.com/walteh/cloudstack-vmware-agent/pkg/control"
)

// applianceServer is an in-process SSH server that answers exec requests
// through handle.
type applianceServer struct {
	addr   string
	execs  atomic.Int32
	handle func(cmd string) (string, uint32)
}

func startAppliance(t *testing.T, clientKey ssh.PublicKey, handle func(cmd string) (string, uint32)) *applianceServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == "root" && string(key.Marshal()) == string(clientKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := &applianceServer{addr: ln.Addr().String(), handle: handle}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(nc, cfg)
		}
	}()
	return srv
}

func (s *applianceServer) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					return
				}
				req.Reply(true, nil)
				s.execs.Add(1)
				out, code := s.handle(payload.Command)
				ch.Write([]byte(out))
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
				return
			}
		}()
	}
}

func clientKey(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(block), signer.PublicKey()
}

func TestRunReturnsOutput(t *testing.T) {
	keyPEM, pub := clientKey(t)
	var got atomic.Value
	srv := startAppliance(t, pub, func(cmd string) (string, uint32) {
		got.Store(cmd)
		return "ok\n", 0
	})

	runner, err := control.NewSSHRunner("root", keyPEM, 0)
	require.NoError(t, err)

	res, err := runner.Run(t.Context(), srv.addr, "/opt/cloud/bin/router_proxy.sh", []string{"netusage.sh", "eth0 eth1"}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "ok\n", res.Output)
	assert.Equal(t, "/opt/cloud/bin/router_proxy.sh netusage.sh 'eth0 eth1'", got.Load())
}

func TestRunReportsExitCode(t *testing.T) {
	keyPEM, pub := clientKey(t)
	srv := startAppliance(t, pub, func(cmd string) (string, uint32) {
		return "no such file\n", 2
	})

	runner, err := control.NewSSHRunner("root", keyPEM, 0)
	require.NoError(t, err)

	res, err := runner.Run(t.Context(), srv.addr, "missing.sh", nil, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Output, "no such file")
}

func TestRunRejectedKey(t *testing.T) {
	_, pub := clientKey(t)
	otherPEM, _ := clientKey(t)
	srv := startAppliance(t, pub, func(cmd string) (string, uint32) { return "", 0 })

	runner, err := control.NewSSHRunner("root", otherPEM, 0)
	require.NoError(t, err)

	_, err = runner.Run(t.Context(), srv.addr, "/bin/true", nil, 5*time.Second)
	require.Error(t, err)
}

func TestNewSSHRunnerBadKey(t *testing.T) {
	_, err := control.NewSSHRunner("root", []byte("not a key"), 0)
	require.Error(t, err)
}

type fakeRunner struct {
	calls   int
	failFor int
	output  string
}

func (f *fakeRunner) Run(ctx context.Context, address, script string, args []string, timeout time.Duration) (control.Result, error) {
	f.calls++
	if f.calls <= f.failFor {
		return control.Result{}, errors.New("connection refused")
	}
	return control.Result{OK: true, Output: f.output}, nil
}

func TestProbeRetriesThenSucceeds(t *testing.T) {
	r := &fakeRunner{failFor: 2}
	err := control.Probe(t.Context(), r, "169.254.0.10", control.ProbeOptions{Retries: 5, Interval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 3, r.calls)
}

func TestProbeGivesUpAfterFixedRetries(t *testing.T) {
	r := &fakeRunner{failFor: 100}
	err := control.Probe(t.Context(), r, "169.254.0.10", control.ProbeOptions{Retries: 4, Interval: time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, 4, r.calls)
}

func TestProbeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	r := &fakeRunner{failFor: 100}
	err := control.Probe(ctx, r, "169.254.0.10", control.ProbeOptions{Retries: 50, Interval: time.Millisecond})
	require.Error(t, err)
	assert.Less(t, r.calls, 50)
}

func TestPatchChecksum(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantErr bool
	}{
		{"match", "abc123\n", false},
		{"mismatch", "def456\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{output: tt.output}
			err := control.Patch(t.Context(), r, "169.254.0.10", "/opt/cloud/bin/patch.sh", "abc123", time.Second)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), "mismatch"))
				return
			}
			require.NoError(t, err)
		})
	}
}
