// Package gitpush creates a task branch on a remote repository by cloning it
// bare into a scratch directory and pushing the default branch under a new
// ref. Work runs in a git child process, so callers never block on it
// in-process beyond waiting for the result.
package gitpush

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultSourceBranch is the branch the task branch starts from.
	DefaultSourceBranch = "main"

	// DefaultHost is where repositories are cloned from.
	DefaultHost = "https://github.com"

	redacted = "***"
)

// Pusher runs git to push task branches.
type Pusher struct {
	// Git is the git executable. Defaults to "git" on PATH.
	Git string

	// SourceBranch is the branch copied into the task ref.
	SourceBranch string

	// TempDir is the parent for scratch clones. Empty means os.TempDir().
	TempDir string

	Logger *zap.Logger
}

// New returns a Pusher with defaults.
func New(logger *zap.Logger) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{Git: "git", SourceBranch: DefaultSourceBranch, Logger: logger}
}

// RepositoryURL builds an authenticated HTTPS clone URL for fullName
// ("owner/repo") using an installation token as the oauth2 password.
func RepositoryURL(host, token, fullName string) (string, error) {
	if host == "" {
		host = DefaultHost
	}
	u, err := url.Parse(strings.TrimRight(host, "/") + "/" + strings.TrimLeft(fullName, "/"))
	if err != nil {
		return "", fmt.Errorf("gitpush: building repository url: %w", err)
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String(), nil
}

// PushTaskBranch clones repoURL bare and pushes the source branch to ref
// (for example "refs/heads/<task id>") on the same remote. Credentials in
// repoURL never appear in returned errors or logs.
func (p *Pusher) PushTaskBranch(ctx context.Context, repoURL, ref string) error {
	if !strings.HasPrefix(ref, "refs/") {
		return fmt.Errorf("gitpush: ref %q must be fully qualified", ref)
	}

	dir, err := os.MkdirTemp(p.TempDir, "minion-push-*")
	if err != nil {
		return fmt.Errorf("gitpush: creating scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	secret := secretOf(repoURL)
	logger := p.logger().With(zap.String("repo", Redact(repoURL, secret)), zap.String("ref", ref))

	logger.Debug("Cloning repository")
	if err := p.run(ctx, secret, "clone", "--bare", "--quiet", repoURL, dir); err != nil {
		return err
	}

	source := p.SourceBranch
	if source == "" {
		source = DefaultSourceBranch
	}
	refspec := "refs/heads/" + source + ":" + ref

	logger.Debug("Pushing task branch", zap.String("refspec", refspec))
	if err := p.run(ctx, secret, "-C", dir, "push", "--quiet", repoURL, refspec); err != nil {
		return err
	}

	logger.Info("Pushed task branch")
	return nil
}

func (p *Pusher) run(ctx context.Context, secret string, args ...string) error {
	git := p.Git
	if git == "" {
		git = "git"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, git, args...)
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		return &Error{
			Args:   Redact(strings.Join(args, " "), secret),
			Stderr: Redact(strings.TrimSpace(stderr.String()), secret),
			Err:    err,
		}
	}
	return nil
}

func (p *Pusher) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Error is a failed git invocation with credentials removed.
type Error struct {
	Args   string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("git %s: %v", e.Args, e.Err)
	}
	return fmt.Sprintf("git %s: %v (stderr: %s)", e.Args, e.Err, e.Stderr)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Redact replaces every occurrence of secret in s.
func Redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, redacted)
}

// secretOf returns the password embedded in a URL, if any.
func secretOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return ""
	}
	pw, _ := u.User.Password()
	return pw
}
