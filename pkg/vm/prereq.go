package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SysboxArtifact pins the sysbox package installed on cloud machines.
type SysboxArtifact struct {
	URL    string
	SHA256 string
}

// DefaultSysbox is the pinned sysbox-ce release.
var DefaultSysbox = SysboxArtifact{
	URL:    "https://downloads.nestybox.com/sysbox/releases/v0.6.6/sysbox-ce_0.6.6-0.linux_amd64.deb",
	SHA256: "87cfa5cad97dc5dc1a243d6d88be1393be75b93a517dc1580ecd8a2801c2777a",
}

// ErrChecksumMismatch indicates a downloaded artifact failed verification.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumError reports the expected and observed digests.
type ChecksumError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s: expected sha256 %s, got %q", e.Path, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// Installer runs the prerequisite setup steps through a CommandRunner.
//
// Only the sysbox digest is a hard gate. Exit codes of the other steps are
// logged and ignored.
type Installer struct {
	Runner    CommandRunner
	Sysbox    SysboxArtifact
	LoginUser string
	Logger    *zap.Logger
}

func (i *Installer) logger() *zap.Logger {
	if i.Logger == nil {
		return zap.NewNop()
	}
	return i.Logger
}

func (i *Installer) run(ctx context.Context, command string) (CommandResult, error) {
	res, err := i.Runner.RunCommand(ctx, command)
	if err != nil {
		return res, fmt.Errorf("run %q: %w", redactCommand(command), err)
	}
	if res.ExitCode != 0 {
		i.logger().Warn("Setup command exited non-zero",
			zap.String("command", redactCommand(command)),
			zap.Int("exit_code", res.ExitCode))
	}
	return res, nil
}

// InstallDocker installs the docker engine and grants the login user access.
// The caller must open a new session afterwards for the group change to apply.
func (i *Installer) InstallDocker(ctx context.Context) error {
	user := i.LoginUser
	if user == "" {
		user = "ubuntu"
	}
	steps := []string{
		"sudo apt-get update",
		"sudo apt-get install -y docker.io",
		"sudo usermod -aG docker " + Quote(user),
	}
	for _, step := range steps {
		if _, err := i.run(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// InstallSysbox downloads the pinned sysbox package, verifies its digest and
// installs it. A digest mismatch aborts before any privileged install runs.
func (i *Installer) InstallSysbox(ctx context.Context) error {
	artifact := i.Sysbox
	if artifact.URL == "" {
		artifact = DefaultSysbox
	}

	if _, err := i.run(ctx, "sudo apt-get update && sudo apt-get install -y wget jq"); err != nil {
		return err
	}

	res, err := i.run(ctx, "mktemp -d")
	if err != nil {
		return err
	}
	tmpDir := strings.TrimSpace(res.Log)
	if tmpDir == "" || strings.ContainsAny(tmpDir, "\n ") {
		return fmt.Errorf("mktemp returned unusable directory %q", tmpDir)
	}
	debPath := tmpDir + "/sysbox.deb"

	if _, err := i.run(ctx, fmt.Sprintf("wget -O %s %s", Quote(debPath), Quote(artifact.URL))); err != nil {
		return err
	}

	res, err = i.run(ctx, "sha256sum "+Quote(debPath))
	if err != nil {
		return err
	}
	actual := firstField(res.Log)
	if !strings.EqualFold(actual, artifact.SHA256) {
		i.logger().Error("Sysbox checksum verification failed",
			zap.String("expected", artifact.SHA256),
			zap.String("actual", actual))
		return &ChecksumError{Path: debPath, Expected: artifact.SHA256, Actual: actual}
	}
	i.logger().Info("Sysbox checksum verified")

	if _, err := i.run(ctx, "sudo dpkg -i "+Quote(debPath)); err != nil {
		return err
	}
	_, err = i.run(ctx, "rm -rf "+Quote(tmpDir))
	return err
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
