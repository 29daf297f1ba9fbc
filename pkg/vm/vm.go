// Package vm abstracts the ephemeral compute an agent container runs on.
//
// A Provider creates Machines; a Machine runs shell commands and reports their
// output as an ordered event stream ending in exactly one exit event.
package vm

import (
	"context"
	"fmt"
	"strings"
)

// Kind selects the compute backend.
type Kind string

const (
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

// ParseKind parses a backend name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindLocal:
		return KindLocal, nil
	case KindCloud, "ec2", "aws":
		return KindCloud, nil
	default:
		return "", fmt.Errorf("unknown vm kind %q", s)
	}
}

// Identity describes a machine for logs and the job journal.
type Identity struct {
	Kind       Kind   `json:"kind"`
	InstanceID string `json:"instance_id,omitempty"`
	KeyName    string `json:"key_name,omitempty"`
	Region     string `json:"region,omitempty"`
	Address    string `json:"address,omitempty"`
}

// Streamer runs a command and streams its output.
//
// The returned channel yields stdout and stderr lines as they arrive, then
// exactly one OutputExit event, then is closed.
type Streamer interface {
	RunCommandStream(ctx context.Context, command string) (<-chan CommandOutput, error)
}

// Machine is one provisioned compute instance owned by a single job.
type Machine interface {
	Streamer

	// InstallPrerequisites prepares the machine to run agent containers.
	InstallPrerequisites(ctx context.Context) error

	// Detach drops the control connection; the machine keeps running.
	Detach(ctx context.Context) error

	// Destroy releases the machine and any credentials created for it.
	Destroy(ctx context.Context) error

	// Identity describes the machine.
	Identity() Identity
}

// Provider creates machines of one Kind.
type Provider interface {
	Kind() Kind
	Create(ctx context.Context) (Machine, error)
}
