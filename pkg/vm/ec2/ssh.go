package ec2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

func parseSigner(keyMaterial string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(keyMaterial))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// dialSSH retries the TCP connect every poll interval until it succeeds, then
// performs the SSH handshake once, bounded by DialTimeout. Handshake and auth
// failures are returned.
func (p *Provider) dialSSH(ctx context.Context, host string, signer ssh.Signer) (*ssh.Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(p.cfg.SSHPort))

	var conn net.Conn
	for attempt := 1; ; attempt++ {
		if err := p.sleep(ctx, p.cfg.PollInterval); err != nil {
			return nil, err
		}
		c, err := p.dial(ctx, "tcp", addr)
		if err == nil {
			conn = c
			break
		}
		p.logger.Debug("SSH connect failed, retrying",
			zap.String("address", addr),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	config := &ssh.ClientConfig{
		User: p.cfg.SSHUser,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Instances are fresh and reached by address only; there is no host key to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if p.cfg.DialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(p.cfg.DialTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	// Sessions run for as long as the agent does.
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// sshExitCode maps a session Wait result to an exit code.
func sshExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}
