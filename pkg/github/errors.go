package github

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnexpectedNode is returned when a node lookup resolves to a node of a
// different type (for example an issue id that points at a pull request).
var ErrUnexpectedNode = errors.New("unexpected node type")

// APIError represents a non-2xx response from the GitHub REST or GraphQL API.
type APIError struct {
	StatusCode       int
	Message          string
	DocumentationURL string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// GraphQLError carries the errors array of a GraphQL response that was
// delivered with HTTP 200.
type GraphQLError struct {
	Operation string
	Errors    []GraphQLMessage
}

// GraphQLMessage is one entry of a GraphQL errors array.
type GraphQLMessage struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Path    []string `json:"path"`
}

func (e *GraphQLError) Error() string {
	messages := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		messages = append(messages, m.Message)
	}
	return fmt.Sprintf("github: graphql %s: %s", e.Operation, strings.Join(messages, "; "))
}

// IsNotFound reports whether err is a 404 response or a GraphQL NOT_FOUND error.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 404
	}
	var gqlErr *GraphQLError
	if errors.As(err, &gqlErr) {
		for _, m := range gqlErr.Errors {
			if m.Type == "NOT_FOUND" {
				return true
			}
		}
	}
	return false
}
