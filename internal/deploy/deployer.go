// Package deploy runs the remote deployment script over SSH with the image
// reference as its only argument.
package deploy

import (
	"bytes"
	"context"
	"deployq/internal/command"
	"deployq/internal/core"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrNoKnownHosts   = errors.New("deploy: known_hosts is empty")
	ErrPrivateKey     = errors.New("deploy: cannot load private key")
	ErrHostKey        = errors.New("deploy: host key rejected")
	ErrRemoteCommand  = errors.New("deploy: remote command failed")
	ErrFingerprintPin = errors.New("deploy: host key does not match pinned fingerprint")
)

// KnownHostsFile is the trust store file name inside the trust directory.
const KnownHostsFile = "known_hosts"

// Deployer implements core.Deployer.
type Deployer struct {
	TrustDir    string        // holds the known_hosts file; a private temp dir when empty
	DialTimeout time.Duration // TCP connect plus SSH handshake
}

func NewDeployer(trustDir string) *Deployer {
	return &Deployer{TrustDir: trustDir, DialTimeout: 30 * time.Second}
}

var _ core.Deployer = (*Deployer)(nil)

// Deploy connects to req.Host and runs `<script> '<ref>'`. Nothing of the
// connection material outlives the call except the trust store file.
func (d *Deployer) Deploy(ctx context.Context, req core.DeployRequest) (string, error) {
	logger := log.Ctx(ctx)
	if strings.TrimSpace(req.KnownHosts) == "" {
		return "", ErrNoKnownHosts
	}

	keyring, err := loadKeyring(req.PrivateKey)
	if err != nil {
		return "", err
	}
	defer keyring.RemoveAll()

	hostKeys, cleanup, err := d.trustStore(req.KnownHosts, req.Spec.HostFingerprint)
	if err != nil {
		return "", err
	}
	defer cleanup()

	addr := address(req.Host, req.Spec.Port)
	config := &ssh.ClientConfig{
		User:            req.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(keyring.Signers)},
		HostKeyCallback: hostKeys,
		Timeout:         d.DialTimeout,
	}

	client, err := d.dial(ctx, addr, config)
	if err != nil {
		return "", err
	}
	defer client.Close()

	cmd := req.Spec.Script + " " + command.Quote(req.Ref.String())
	logger.Info().Msgf("Running deployment script for %s", req.Redactor.Redact(req.Ref.String()))
	return run(ctx, client, cmd)
}

func loadKeyring(privateKey string) (agent.Agent, error) {
	raw, err := ssh.ParseRawPrivateKey([]byte(privateKey))
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: key is passphrase protected", ErrPrivateKey)
		}
		return nil, ErrPrivateKey
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: raw, Comment: "deployq"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrivateKey, err)
	}
	return keyring, nil
}

// trustStore writes the known_hosts blob verbatim and returns a callback
// checking it, plus the fingerprint pin when one is set.
func (d *Deployer) trustStore(blob, pin string) (ssh.HostKeyCallback, func(), error) {
	dir := d.TrustDir
	cleanup := func() {}
	if dir == "" {
		tmp, err := os.MkdirTemp("", "deployq-trust-*")
		if err != nil {
			return nil, nil, err
		}
		dir = tmp
		cleanup = func() { _ = os.RemoveAll(tmp) }
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, err
	}

	path := filepath.Join(dir, KnownHostsFile)
	if !strings.HasSuffix(blob, "\n") {
		blob += "\n"
	}
	if err := os.WriteFile(path, []byte(blob), 0o600); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("write trust store: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		cleanup()
		return nil, nil, err
	}

	check, err := knownhosts.New(path)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("%w: parse known_hosts: %v", ErrHostKey, err)
	}
	callback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := check(hostname, remote, key); err != nil {
			return fmt.Errorf("%w: %w", ErrHostKey, err)
		}
		if pin != "" && ssh.FingerprintSHA256(key) != pin {
			return fmt.Errorf("%w: got %s", ErrFingerprintPin, ssh.FingerprintSHA256(key))
		}
		return nil
	}
	return callback, cleanup, nil
}

func address(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (d *Deployer) dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: d.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("deploy: connect: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if d.DialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.DialTimeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("deploy: handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// run executes cmd in a new session. Cancelling ctx closes the connection,
// which ends the remote command.
func run(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("deploy: open session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	fmt.Fprintf(&out, "$ %s\n", cmd)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		client.Close()
		<-done
		return out.String(), fmt.Errorf("%w: %w", ErrRemoteCommand, ctx.Err())
	case err := <-done:
		if err == nil {
			return out.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), fmt.Errorf("%w: remote command exited with status %d", ErrRemoteCommand, exitErr.ExitStatus())
		}
		return out.String(), fmt.Errorf("%w: %w", ErrRemoteCommand, err)
	}
}
