package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"opsagent/internal/config"
)

// Runner executes the probe script on a target and returns its stdout.
type Runner interface {
	Run(ctx context.Context, script string) (string, error)
}

// LocalRunner runs the script with /bin/sh on this host.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, script string) (string, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return string(out), nil
}

// SSHRunner runs the script over an SSH session.
type SSHRunner struct {
	Addr   string
	Config *ssh.ClientConfig
}

// NewSSHRunner builds a runner from a server entry. Without a
// known_hosts_path the host key is not verified.
func NewSSHRunner(sc config.ServerConfig, dialTimeout time.Duration) (*SSHRunner, error) {
	if sc.Host == "" {
		return nil, errors.New("ssh target requires host")
	}
	user := sc.User
	if user == "" {
		user = "root"
	}
	port := sc.Port
	if port == 0 {
		port = 22
	}

	var auth []ssh.AuthMethod
	if sc.KeyPath != "" {
		pem, err := os.ReadFile(sc.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", sc.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", sc.KeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if sc.Password != "" {
		auth = append(auth, ssh.Password(sc.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh target %s has neither key_path nor password", sc.Name)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if sc.KnownHostsPath != "" {
		cb, err := knownhosts.New(sc.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("known hosts %s: %w", sc.KnownHostsPath, err)
		}
		hostKey = cb
	}

	return &SSHRunner{
		Addr: net.JoinHostPort(sc.Host, strconv.Itoa(port)),
		Config: &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         dialTimeout,
		},
	}, nil
}

func (r *SSHRunner) Run(ctx context.Context, script string) (string, error) {
	d := net.Dialer{Timeout: r.Config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", r.Addr)
	if err != nil {
		return "", err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, r.Addr, r.Config)
	if err != nil {
		conn.Close()
		return "", err
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	// Closing the client unblocks a session stuck on a dead link.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	out, err := sess.Output(script)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return string(out), nil
}
