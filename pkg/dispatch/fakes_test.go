package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autominion/minion/pkg/github"
	"github.com/autominion/minion/pkg/vm"
)

type comment struct {
	Subject string
	Body    string
}

type fakePlatform struct {
	mu        sync.Mutex
	calls     []string
	comments  []comment
	prs       []github.PullRequest
	repoIDs   []int64
	failOn    string
	issueBody string
}

func (f *fakePlatform) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failOn == call {
		return errors.New(call + " failed")
	}
	return nil
}

func (f *fakePlatform) InstallationToken(ctx context.Context) (string, error) {
	if err := f.record("InstallationToken"); err != nil {
		return "", err
	}
	return "ghs_install", nil
}

func (f *fakePlatform) RepositoryToken(ctx context.Context, repositoryID int64) (string, error) {
	if err := f.record("RepositoryToken"); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.repoIDs = append(f.repoIDs, repositoryID)
	f.mu.Unlock()
	return "ghs_repo", nil
}

func (f *fakePlatform) IssueBody(ctx context.Context, token, issueID string) (string, error) {
	if err := f.record("IssueBody"); err != nil {
		return "", err
	}
	return f.issueBody, nil
}

func (f *fakePlatform) AddComment(ctx context.Context, token, subjectID, body string) error {
	if err := f.record("AddComment"); err != nil {
		return err
	}
	f.mu.Lock()
	f.comments = append(f.comments, comment{Subject: subjectID, Body: body})
	f.mu.Unlock()
	return nil
}

func (f *fakePlatform) RepositoryDatabaseID(ctx context.Context, token, nodeID string) (int64, error) {
	if err := f.record("RepositoryDatabaseID"); err != nil {
		return 0, err
	}
	return 4242, nil
}

func (f *fakePlatform) CreatePullRequest(ctx context.Context, token string, pr github.PullRequest) (string, error) {
	if err := f.record("CreatePullRequest"); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.prs = append(f.prs, pr)
	f.mu.Unlock()
	return "PR_1", nil
}

type push struct {
	URL string
	Ref string
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []push
	err    error
}

func (f *fakePusher) PushTaskBranch(ctx context.Context, repoURL, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{URL: repoURL, Ref: ref})
	return f.err
}

type fakeTokens struct {
	mu     sync.Mutex
	issued []uuid.UUID
	ttls   []time.Duration
}

func (f *fakeTokens) Issue(taskID uuid.UUID, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, taskID)
	f.ttls = append(f.ttls, ttl)
	return "agent.jwt.token", nil
}

type fakeLogs struct {
	mu   sync.Mutex
	logs map[uuid.UUID]string
}

func (f *fakeLogs) Upload(ctx context.Context, taskID uuid.UUID, log string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logs == nil {
		f.logs = make(map[uuid.UUID]string)
	}
	f.logs[taskID] = log
	return nil
}

func (f *fakeLogs) Key(taskID uuid.UUID) string {
	return "logs/tasks/" + taskID.String() + "/task.log"
}

// fakeMachine answers every command with canned output.
type fakeMachine struct {
	mu         sync.Mutex
	commands   []string
	lifecycle  []string
	installErr error
	respond    func(command string) ([]string, int)
}

func (m *fakeMachine) RunCommandStream(ctx context.Context, command string) (<-chan vm.CommandOutput, error) {
	m.mu.Lock()
	m.commands = append(m.commands, command)
	m.mu.Unlock()

	lines, code := []string(nil), 0
	if m.respond != nil {
		lines, code = m.respond(command)
	}
	out := make(chan vm.CommandOutput, len(lines)+1)
	for _, line := range lines {
		out <- vm.CommandOutput{Kind: vm.OutputStdout, Line: line}
	}
	out <- vm.CommandOutput{Kind: vm.OutputExit, ExitCode: code}
	close(out)
	return out, nil
}

func (m *fakeMachine) step(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifecycle = append(m.lifecycle, name)
}

func (m *fakeMachine) InstallPrerequisites(ctx context.Context) error {
	m.step("install")
	return m.installErr
}

func (m *fakeMachine) Detach(ctx context.Context) error {
	m.step("detach")
	return nil
}

func (m *fakeMachine) Destroy(ctx context.Context) error {
	m.step("destroy")
	return nil
}

func (m *fakeMachine) Identity() vm.Identity {
	return vm.Identity{Kind: vm.KindCloud, InstanceID: "i-test", KeyName: "minion-test", Region: "eu-central-1"}
}

func (m *fakeMachine) commandsWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.commands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

type fakeProvider struct {
	mu      sync.Mutex
	created int
	machine *fakeMachine
	err     error
}

func (p *fakeProvider) Kind() vm.Kind { return vm.KindCloud }

func (p *fakeProvider) Create(ctx context.Context) (vm.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	if p.err != nil {
		return nil, p.err
	}
	return p.machine, nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
