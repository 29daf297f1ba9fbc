package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	issueBodyQuery = `query IssueBody($issueId: ID!) {
  node(id: $issueId) {
    __typename
    ... on Issue { body }
  }
}`

	addCommentMutation = `mutation AddComment($subjectId: ID!, $body: String!) {
  addComment(input: {subjectId: $subjectId, body: $body}) {
    commentEdge { node { id } }
  }
}`

	repositoryDatabaseIDQuery = `query RepositoryDatabaseID($nodeId: ID!) {
  node(id: $nodeId) {
    __typename
    ... on Repository { databaseId }
  }
}`

	createPullRequestMutation = `mutation CreatePullRequest($repositoryId: ID!, $baseRefName: String!, $headRefName: String!, $title: String!, $body: String!) {
  createPullRequest(input: {repositoryId: $repositoryId, baseRefName: $baseRefName, headRefName: $headRefName, title: $title, body: $body}) {
    pullRequest { id }
  }
}`
)

// Session performs GraphQL calls with an installation token.
type Session struct {
	client *Client
	token  string
}

// PullRequest describes a pull request to open.
type PullRequest struct {
	// RepositoryID is the repository node id.
	RepositoryID string
	Title        string
	Body         string
	// Head is the source ref, for example "refs/heads/<task id>".
	Head string
	// Base is the target branch. Empty means DefaultBaseBranch.
	Base string
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data   json.RawMessage  `json:"data"`
	Errors []GraphQLMessage `json:"errors"`
}

// query runs one GraphQL document and decodes its data into out.
func (s *Session) query(ctx context.Context, operation, document string, variables map[string]any, out any) error {
	var resp graphQLResponse
	req := graphQLRequest{Query: document, Variables: variables}
	if err := s.client.do(ctx, http.MethodPost, s.client.cfg.GraphQLURL, "Bearer "+s.token, req, &resp); err != nil {
		return fmt.Errorf("github: graphql %s: %w", operation, err)
	}
	if len(resp.Errors) > 0 {
		return &GraphQLError{Operation: operation, Errors: resp.Errors}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("github: graphql %s: decoding data: %w", operation, err)
	}
	return nil
}

// IssueBody fetches the markdown body of the issue with the given node id.
func (s *Session) IssueBody(ctx context.Context, issueID string) (string, error) {
	var data struct {
		Node *struct {
			Typename string `json:"__typename"`
			Body     string `json:"body"`
		} `json:"node"`
	}
	if err := s.query(ctx, "IssueBody", issueBodyQuery, map[string]any{"issueId": issueID}, &data); err != nil {
		return "", err
	}
	if data.Node == nil {
		return "", &GraphQLError{Operation: "IssueBody", Errors: []GraphQLMessage{{Type: "NOT_FOUND", Message: "issue " + issueID + " not found"}}}
	}
	if data.Node.Typename != "Issue" {
		return "", fmt.Errorf("github: node %s is a %s: %w", issueID, data.Node.Typename, ErrUnexpectedNode)
	}
	return data.Node.Body, nil
}

// AddComment posts a comment on an issue or pull request.
func (s *Session) AddComment(ctx context.Context, subjectID, body string) error {
	return s.query(ctx, "AddComment", addCommentMutation, map[string]any{
		"subjectId": subjectID,
		"body":      body,
	}, nil)
}

// RepositoryDatabaseID resolves a repository node id to its numeric id, the
// form the REST token endpoint expects.
func (s *Session) RepositoryDatabaseID(ctx context.Context, nodeID string) (int64, error) {
	var data struct {
		Node *struct {
			Typename   string `json:"__typename"`
			DatabaseID int64  `json:"databaseId"`
		} `json:"node"`
	}
	if err := s.query(ctx, "RepositoryDatabaseID", repositoryDatabaseIDQuery, map[string]any{"nodeId": nodeID}, &data); err != nil {
		return 0, err
	}
	if data.Node == nil {
		return 0, &GraphQLError{Operation: "RepositoryDatabaseID", Errors: []GraphQLMessage{{Type: "NOT_FOUND", Message: "repository " + nodeID + " not found"}}}
	}
	if data.Node.Typename != "Repository" {
		return 0, fmt.Errorf("github: node %s is a %s: %w", nodeID, data.Node.Typename, ErrUnexpectedNode)
	}
	return data.Node.DatabaseID, nil
}

// CreatePullRequest opens a pull request and returns its node id.
func (s *Session) CreatePullRequest(ctx context.Context, pr PullRequest) (string, error) {
	base := pr.Base
	if base == "" {
		base = DefaultBaseBranch
	}
	var data struct {
		CreatePullRequest *struct {
			PullRequest *struct {
				ID string `json:"id"`
			} `json:"pullRequest"`
		} `json:"createPullRequest"`
	}
	err := s.query(ctx, "CreatePullRequest", createPullRequestMutation, map[string]any{
		"repositoryId": pr.RepositoryID,
		"baseRefName":  base,
		"headRefName":  pr.Head,
		"title":        pr.Title,
		"body":         pr.Body,
	}, &data)
	if err != nil {
		return "", err
	}
	if data.CreatePullRequest == nil || data.CreatePullRequest.PullRequest == nil {
		return "", fmt.Errorf("github: graphql CreatePullRequest: no pull request in response")
	}
	return data.CreatePullRequest.PullRequest.ID, nil
}
