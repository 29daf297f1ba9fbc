package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	// jwtBackdate absorbs clock drift between us and GitHub.
	jwtBackdate = 60 * time.Second
	// jwtLifetime is the maximum GitHub accepts.
	jwtLifetime = 10 * time.Minute
)

// AccessToken is an installation access token.
type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type scopedTokenRequest struct {
	RepositoryIDs []int64          `json:"repository_ids"`
	Permissions   tokenPermissions `json:"permissions"`
}

type tokenPermissions struct {
	Contents string `json:"contents"`
}

// AppJWT signs a short-lived RS256 token identifying the App.
func (c *Client) AppJWT() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		Issuer:    strconv.FormatInt(c.cfg.AppID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("github: signing app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken exchanges an App JWT for an installation token with the
// installation's full permission set.
func (c *Client) InstallationToken(ctx context.Context) (*AccessToken, error) {
	return c.exchange(ctx, nil)
}

// RepositoryToken mints an installation token restricted to one repository
// with contents write permission.
func (c *Client) RepositoryToken(ctx context.Context, repositoryID int64) (*AccessToken, error) {
	return c.exchange(ctx, &scopedTokenRequest{
		RepositoryIDs: []int64{repositoryID},
		Permissions:   tokenPermissions{Contents: "write"},
	})
}

func (c *Client) exchange(ctx context.Context, scope *scopedTokenRequest) (*AccessToken, error) {
	appJWT, err := c.AppJWT()
	if err != nil {
		return nil, err
	}

	url := c.cfg.APIURL + "/app/installations/" + strconv.FormatInt(c.cfg.InstallationID, 10) + "/access_tokens"
	var body any
	if scope != nil {
		body = scope
	}

	var token AccessToken
	if err := c.do(ctx, http.MethodPost, url, "Bearer "+appJWT, body, &token); err != nil {
		return nil, fmt.Errorf("github: exchanging installation token: %w", err)
	}
	if token.Token == "" {
		return nil, fmt.Errorf("github: exchanging installation token: empty token in response")
	}

	c.logger.Debug("Minted installation token",
		zap.Int64("installation_id", c.cfg.InstallationID),
		zap.Bool("scoped", scope != nil),
		zap.Time("expires_at", token.ExpiresAt))
	return &token, nil
}
