// Package github dispatches executions to GitHub, either as a workflow run
// in the tenant's centralized controls repository or as a repository
// dispatch event on the asset's own repository. Both authenticate as a
// GitHub App installation.
package github

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ahrav/execution-service/internal/infra/runner"
)

// AppTokenSource mints and caches installation access tokens.
type AppTokenSource struct {
	appID   int64
	key     *rsa.PrivateKey
	baseURL string
	api     *runner.APIClient
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]installationToken
}

type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewAppTokenSource parses the App's PEM private key.
func NewAppTokenSource(appID int64, privateKeyPEM, baseURL string, api *runner.APIClient) (*AppTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	return &AppTokenSource{
		appID:   appID,
		key:     key,
		baseURL: baseURL,
		api:     api,
		now:     time.Now,
		cache:   make(map[string]installationToken),
	}, nil
}

// appJWT signs the short-lived JWT that authenticates as the App itself.
// GitHub rejects tokens valid for more than ten minutes.
func (s *AppTokenSource) appJWT() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(s.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
}

// InstallationToken returns a cached token for installationID, minting a
// new one when the cached token expires within a minute.
func (s *AppTokenSource) InstallationToken(ctx context.Context, installationID string) (string, error) {
	s.mu.Lock()
	cached, ok := s.cache[installationID]
	s.mu.Unlock()
	if ok && s.now().Add(time.Minute).Before(cached.ExpiresAt) {
		return cached.Token, nil
	}

	signed, err := s.appJWT()
	if err != nil {
		return "", fmt.Errorf("sign github app jwt: %w", err)
	}

	var tok installationToken
	_, err = s.api.Do(ctx, runner.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/app/installations/%s/access_tokens", s.baseURL, installationID),
		Header: http.Header{
			"Authorization": {"Bearer " + signed},
			"Accept":        {"application/vnd.github+json"},
		},
		LimiterKey: installationID,
	}, &tok)
	if err != nil {
		return "", fmt.Errorf("create installation token: %w", err)
	}

	s.mu.Lock()
	s.cache[installationID] = tok
	s.mu.Unlock()
	return tok.Token, nil
}
