package ec2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/autominion/minion/pkg/vm"
)

// ErrDetached is returned when a command is started after Detach.
var ErrDetached = errors.New("ssh session detached")

// Machine is a running spot instance reached over SSH.
type Machine struct {
	provider   *Provider
	instanceID string
	keyName    string
	signer     ssh.Signer
	logger     *zap.Logger

	mu      sync.Mutex
	client  *ssh.Client
	address string
}

var _ vm.Machine = (*Machine)(nil)

// Identity implements vm.Machine.
func (m *Machine) Identity() vm.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return vm.Identity{
		Kind:       vm.KindCloud,
		InstanceID: m.instanceID,
		KeyName:    m.keyName,
		Region:     m.provider.cfg.Region,
		Address:    m.address,
	}
}

// connect resolves the current public address and opens a new SSH client,
// replacing any previous one.
func (m *Machine) connect(ctx context.Context) error {
	ip, err := m.provider.publicAddress(ctx, m.instanceID)
	if err != nil {
		return err
	}
	m.logger.Info("Connecting via SSH", zap.String("address", ip))
	client, err := m.provider.dialSSH(ctx, ip, m.signer)
	if err != nil {
		return &ProvisionError{Op: "Connect", InstanceID: m.instanceID, KeyName: m.keyName, Err: err}
	}

	m.mu.Lock()
	old := m.client
	m.client = client
	m.address = ip
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// InstallPrerequisites installs docker, reconnects so the docker group
// membership applies, then installs sysbox behind a checksum gate.
func (m *Machine) InstallPrerequisites(ctx context.Context) error {
	inst := &vm.Installer{
		Runner:    vm.StreamRunner{Streamer: m, Logger: m.logger},
		Sysbox:    m.provider.cfg.Sysbox,
		LoginUser: m.provider.cfg.SSHUser,
		Logger:    m.logger,
	}
	if err := inst.InstallDocker(ctx); err != nil {
		return fmt.Errorf("install docker: %w", err)
	}
	if err := m.Detach(ctx); err != nil {
		return err
	}
	if err := m.connect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if err := inst.InstallSysbox(ctx); err != nil {
		return fmt.Errorf("install sysbox: %w", err)
	}
	return nil
}

// RunCommandStream executes command in a new SSH session.
func (m *Machine) RunCommandStream(ctx context.Context, command string) (<-chan vm.CommandOutput, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, ErrDetached
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("exec: %w", err)
	}

	return vm.Stream(ctx, stdout, stderr, func() int {
		defer session.Close()
		return sshExitCode(session.Wait())
	}), nil
}

// Detach closes the SSH client. The instance keeps running.
func (m *Machine) Detach(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close ssh client: %w", err)
	}
	return nil
}

// Destroy deletes the key pair and terminates the instance.
func (m *Machine) Destroy(ctx context.Context) error {
	_ = m.Detach(ctx)
	if err := m.provider.release(ctx, m.instanceID, m.keyName); err != nil {
		return err
	}
	m.logger.Info("Instance terminated")
	return nil
}
