package dispatch

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autominion/minion/pkg/vm"
)

const (
	// DefaultPollInterval is how long the loop sleeps on an empty queue.
	DefaultPollInterval = 5 * time.Second

	// DefaultAgentTokenTTL is the lifetime of the agent credential.
	DefaultAgentTokenTTL = time.Hour

	// PullRequestBody is appended to every agent pull request.
	PullRequestBody = "---\n\nAI-generated. Review carefully.\n"
)

// Registry is the container registry the agent image is pulled from.
type Registry struct {
	Host     string
	Username string
	Password string
	Image    string
}

// ImageRef returns "<host>/<image>".
func (r Registry) ImageRef() string {
	return r.Host + "/" + r.Image
}

// Settings are the orchestrator's static inputs.
type Settings struct {
	// DispatchEnabled runs agents. When false a job stops after minting the
	// agent credential; no usage window is opened and no VM is created.
	DispatchEnabled bool

	// ServiceName appears in pull request titles.
	ServiceName string

	// WebBaseURL is the public web app root, used for task links and the
	// agent API base URL.
	WebBaseURL string

	// GitHost is the HTTPS root repositories are cloned from.
	GitHost string

	Registry      Registry
	AgentTokenTTL time.Duration
}

func (s Settings) dispatchMode() string {
	if s.DispatchEnabled {
		return "enabled"
	}
	return "none"
}

func (s Settings) tokenTTL() time.Duration {
	if s.AgentTokenTTL <= 0 {
		return DefaultAgentTokenTTL
	}
	return s.AgentTokenTTL
}

// resolve joins an absolute path onto the web base URL, replacing its path.
func (s Settings) resolve(path string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(s.WebBaseURL))
	if err != nil {
		return "", fmt.Errorf("parse web base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("web base url %q must be absolute", s.WebBaseURL)
	}
	return base.ResolveReference(&url.URL{Path: path}).String(), nil
}

// TaskURL is the web page of a task.
func (s Settings) TaskURL(taskID uuid.UUID) (string, error) {
	return s.resolve("/tasks/" + taskID.String())
}

// APIBaseURL is the agent API root handed to the container.
func (s Settings) APIBaseURL() (string, error) {
	return s.resolve("/api/")
}

// PullRequestTitle names the agent's pull request.
func (s Settings) PullRequestTitle() string {
	return "Pull request from " + s.ServiceName
}

// TaskRef is the branch ref a task works on.
func TaskRef(taskID uuid.UUID) string {
	return "refs/heads/" + taskID.String()
}

func startedComment(taskURL string) string {
	return fmt.Sprintf("Started working on the [task](%s).", taskURL)
}

func completedComment(taskURL string) string {
	return fmt.Sprintf("[Task](%s) completed.", taskURL)
}

func loginCommand(r Registry) string {
	return fmt.Sprintf("docker login -u %s -p %s %s", vm.Quote(r.Username), vm.Quote(r.Password), vm.Quote(r.Host))
}

func pullCommand(r Registry) string {
	return "docker pull " + vm.Quote(r.ImageRef())
}

func logoutCommand(r Registry) string {
	return "docker logout " + vm.Quote(r.Host)
}

func agentCommand(r Registry, apiBaseURL, agentToken string) string {
	return fmt.Sprintf("docker run --runtime=sysbox-runc --pull never -e MINION_API_BASE_URL=%s -e MINION_API_TOKEN=%s %s",
		vm.Quote(apiBaseURL), vm.Quote(agentToken), vm.Quote(r.ImageRef()))
}
