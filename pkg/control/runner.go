// Package control runs scripts on routing appliances over their control
// channel, an SSH listener reachable only from the host agent.
package control

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
)

// DefaultPort is the control-channel port system appliances listen on.
const DefaultPort = 3922

// Result is the outcome of one script run.
type Result struct {
	OK       bool
	ExitCode int
	Output   string
}

// Runner executes a named script with arguments on an appliance.
type Runner interface {
	Run(ctx context.Context, address, script string, args []string, timeout time.Duration) (Result, error)
}

// SSHRunner runs scripts over SSH.
type SSHRunner struct {
	User   string
	Port   int
	config *ssh.ClientConfig
}

var _ Runner = (*SSHRunner)(nil)

// NewSSHRunner builds a runner authenticating with a fixed private key.
func NewSSHRunner(user string, privateKeyPEM []byte, port int) (*SSHRunner, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, errors.Errorf("parsing control key: %w", err)
	}
	if port == 0 {
		port = DefaultPort
	}
	return &SSHRunner{
		User: user,
		Port: port,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		},
	}, nil
}

func (r *SSHRunner) addr(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(r.Port))
}

// Run dials the appliance, runs the script and returns its combined output.
// A non-zero exit is reported in the Result, not as an error.
func (r *SSHRunner) Run(ctx context.Context, address, script string, args []string, timeout time.Duration) (Result, error) {
	logger := zerolog.Ctx(ctx).With().Str("address", address).Str("script", script).Logger()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := r.addr(address)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, errors.Errorf("dialing %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, r.config)
	if err != nil {
		conn.Close()
		return Result{}, errors.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, errors.Errorf("creating SSH session: %w", err)
	}
	defer session.Close()

	cmd := command(script, args)
	logger.Debug().Str("command", cmd).Msg("running control script")

	output, err := session.CombinedOutput(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			logger.Debug().Int("exit_code", exitErr.ExitStatus()).Msg("control script failed")
			return Result{ExitCode: exitErr.ExitStatus(), Output: string(output)}, nil
		}
		if ctx.Err() != nil {
			return Result{}, errors.Errorf("running %s: %w", script, ctx.Err())
		}
		return Result{}, errors.Errorf("running %s: %w", script, err)
	}

	return Result{OK: true, Output: string(output)}, nil
}

func command(script string, args []string) string {
	parts := []string{script}
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
