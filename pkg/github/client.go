// Package github is a small GitHub App client covering the calls the
// dispatcher makes: installation and repository-scoped token exchange over
// REST, and issue, comment and pull request operations over GraphQL.
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	apiVersion = "2022-11-28"
	acceptJSON = "application/vnd.github+json"

	// DefaultAPIURL is the public REST endpoint.
	DefaultAPIURL = "https://api.github.com"
	// DefaultGraphQLURL is the public GraphQL endpoint.
	DefaultGraphQLURL = "https://api.github.com/graphql"
	// DefaultUserAgent identifies requests when none is configured.
	DefaultUserAgent = "minion-dispatcher"
	// DefaultBaseBranch is the branch pull requests target.
	DefaultBaseBranch = "main"

	maxResponseBytes = 10 << 20
)

// Config holds GitHub App settings.
type Config struct {
	// AppID is the numeric GitHub App id (JWT issuer).
	AppID int64

	// InstallationID is the installation whose tokens are minted.
	InstallationID int64

	// PrivateKey is the PEM-encoded RSA key of the App (PKCS1 or PKCS8).
	PrivateKey []byte

	APIURL     string
	GraphQLURL string
	UserAgent  string

	// RateLimit caps outgoing requests per second. 0 means unlimited.
	RateLimit float64

	HTTPClient *http.Client
}

// Validate checks that the App identity is complete.
func (c Config) Validate() error {
	if c.AppID == 0 {
		return errors.New("github: app id is required")
	}
	if c.InstallationID == 0 {
		return errors.New("github: installation id is required")
	}
	if len(c.PrivateKey) == 0 {
		return errors.New("github: private key is required")
	}
	return nil
}

// Client talks to GitHub as an App installation. It is safe for concurrent use.
type Client struct {
	cfg        Config
	key        *rsa.PrivateKey
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient parses the App key and returns a ready client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("github: parsing app private key: %w", err)
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.GraphQLURL == "" {
		cfg.GraphQLURL = cfg.APIURL + "/graphql"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:        cfg,
		key:        key,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// WithToken returns a Session that authenticates GraphQL calls with token.
func (c *Client) WithToken(token string) *Session {
	return &Session{client: c, token: token}
}

func (c *Client) waitForRateLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// do sends one request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, url, authorization string, body, out any) error {
	if err := c.waitForRateLimit(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Accept", acceptJSON)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Authorization", authorization)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("github: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var parsed struct {
			Message          string `json:"message"`
			DocumentationURL string `json:"documentation_url"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			apiErr.Message = parsed.Message
			apiErr.DocumentationURL = parsed.DocumentationURL
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("github: decoding response: %w", err)
	}
	return nil
}
