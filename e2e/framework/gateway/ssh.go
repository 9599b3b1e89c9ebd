package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig controls how SSH units connect.
type SSHConfig struct {
	User           string
	Port           int
	KeyFile        string
	KnownHostsFile string
	DialTimeout    time.Duration
}

// SSHTransport dials units over SSH. One connection is opened per command.
type SSHTransport struct {
	clientConfig *ssh.ClientConfig
	port         int
	dialTimeout  time.Duration
}

// NewSSHTransport loads the private key and host key policy from cfg.
func NewSSHTransport(cfg SSHConfig) (*SSHTransport, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		keyBytes, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}
	return NewSSHTransportWithConfig(&ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}, cfg.Port), nil
}

// NewSSHTransportWithConfig wraps a prepared client config.
func NewSSHTransportWithConfig(clientConfig *ssh.ClientConfig, port int) *SSHTransport {
	if port == 0 {
		port = 22
	}
	return &SSHTransport{clientConfig: clientConfig, port: port, dialTimeout: clientConfig.Timeout}
}

// Unit returns a Unit reachable at address. address may carry its own port.
func (t *SSHTransport) Unit(name, address string, info map[string]string) Unit {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(t.port))
	}
	merged := map[string]string{}
	for k, v := range info {
		merged[k] = v
	}
	if _, ok := merged["public-address"]; !ok {
		host, _, _ := net.SplitHostPort(address)
		merged["public-address"] = host
	}
	return &sshUnit{transport: t, name: name, address: address, info: merged}
}

type sshUnit struct {
	transport *SSHTransport
	name      string
	address   string
	info      map[string]string
}

func (u *sshUnit) Name() string { return u.name }

func (u *sshUnit) Info() map[string]string { return u.info }

func (u *sshUnit) dial(ctx context.Context) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: u.transport.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", u.address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, u.address, u.transport.clientConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (u *sshUnit) Run(ctx context.Context, command string) (Result, error) {
	start := time.Now()
	client, err := u.dial(ctx)
	if err != nil {
		return Result{}, &TransportError{Unit: u.name, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, &TransportError{Unit: u.name, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		<-done
		return Result{}, &TransportError{Unit: u.name, Err: ctx.Err()}
	case runErr = <-done:
	}

	res := Result{Output: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if runErr == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		return res, nil
	}
	return Result{}, &TransportError{Unit: u.name, Err: runErr}
}
