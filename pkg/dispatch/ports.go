package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/autominion/minion/pkg/github"
)

// Platform is the code host as seen by a job.
type Platform interface {
	InstallationToken(ctx context.Context) (string, error)
	RepositoryToken(ctx context.Context, repositoryID int64) (string, error)
	IssueBody(ctx context.Context, token, issueID string) (string, error)
	AddComment(ctx context.Context, token, subjectID, body string) error
	RepositoryDatabaseID(ctx context.Context, token, nodeID string) (int64, error)
	CreatePullRequest(ctx context.Context, token string, pr github.PullRequest) (string, error)
}

// BranchPusher creates the task branch on the remote.
type BranchPusher interface {
	PushTaskBranch(ctx context.Context, repoURL, ref string) error
}

// TokenIssuer mints agent credentials.
type TokenIssuer interface {
	Issue(taskID uuid.UUID, ttl time.Duration) (string, error)
}

// LogUploader stores the aggregated agent log.
type LogUploader interface {
	Upload(ctx context.Context, taskID uuid.UUID, log string) error
	Key(taskID uuid.UUID) string
}

// JobRunner runs one job to completion.
type JobRunner interface {
	Run(ctx context.Context, job Job) error
}

// GitHubPlatform adapts a github.Client to Platform.
type GitHubPlatform struct {
	Client *github.Client
}

func (p GitHubPlatform) InstallationToken(ctx context.Context) (string, error) {
	tok, err := p.Client.InstallationToken(ctx)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

func (p GitHubPlatform) RepositoryToken(ctx context.Context, repositoryID int64) (string, error) {
	tok, err := p.Client.RepositoryToken(ctx, repositoryID)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

func (p GitHubPlatform) IssueBody(ctx context.Context, token, issueID string) (string, error) {
	return p.Client.WithToken(token).IssueBody(ctx, issueID)
}

func (p GitHubPlatform) AddComment(ctx context.Context, token, subjectID, body string) error {
	return p.Client.WithToken(token).AddComment(ctx, subjectID, body)
}

func (p GitHubPlatform) RepositoryDatabaseID(ctx context.Context, token, nodeID string) (int64, error) {
	return p.Client.WithToken(token).RepositoryDatabaseID(ctx, nodeID)
}

func (p GitHubPlatform) CreatePullRequest(ctx context.Context, token string, pr github.PullRequest) (string, error) {
	return p.Client.WithToken(token).CreatePullRequest(ctx, pr)
}
