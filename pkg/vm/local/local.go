// Package local runs agent commands on the dispatcher host itself.
package local

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/autominion/minion/pkg/vm"
)

// Provider creates local machines.
type Provider struct {
	Shell  string
	Logger *zap.Logger
}

var _ vm.Provider = (*Provider)(nil)

// NewProvider returns a provider that runs commands with bash.
func NewProvider(logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{Shell: "bash", Logger: logger}
}

// Kind implements vm.Provider.
func (p *Provider) Kind() vm.Kind { return vm.KindLocal }

// Create implements vm.Provider. No resources are allocated.
func (p *Provider) Create(ctx context.Context) (vm.Machine, error) {
	shell := p.Shell
	if shell == "" {
		shell = "bash"
	}
	return &Machine{shell: shell, logger: p.Logger}, nil
}

// Machine is the dispatcher host.
type Machine struct {
	shell  string
	logger *zap.Logger
}

var _ vm.Machine = (*Machine)(nil)

// InstallPrerequisites is a no-op; the host is expected to be prepared.
func (m *Machine) InstallPrerequisites(ctx context.Context) error { return nil }

// Detach is a no-op.
func (m *Machine) Detach(ctx context.Context) error { return nil }

// Destroy is a no-op.
func (m *Machine) Destroy(ctx context.Context) error { return nil }

// Identity implements vm.Machine.
func (m *Machine) Identity() vm.Identity {
	return vm.Identity{Kind: vm.KindLocal}
}

// RunCommandStream runs command under "<shell> -c" and streams its output.
func (m *Machine) RunCommandStream(ctx context.Context, command string) (<-chan vm.CommandOutput, error) {
	cmd := exec.CommandContext(ctx, m.shell, "-c", command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", m.shell, err)
	}

	return vm.Stream(ctx, stdout, stderr, func() int {
		return exitCode(cmd.Wait())
	}), nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return vm.ExitUnknown
}
