// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// GitHub publishes no discovery document and issues no ID tokens; the
// identity comes from its REST API instead.
const (
	githubAuthURL  = "https://github.com/login/oauth/authorize"
	githubTokenURL = "https://github.com/login/oauth/access_token"
	githubAPIBase  = "https://api.github.com"
)

// GitHubConfig configures the GitHub adapter.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// APIBase and endpoints are overridable for tests.
	APIBase    string
	AuthURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// GitHubAdapter signs users in with GitHub OAuth and resolves the
// primary verified email through the REST API.
type GitHubAdapter struct {
	oauth      *oauth2.Config
	apiBase    string
	httpClient *http.Client
}

// NewGitHubAdapter builds the GitHub adapter.
func NewGitHubAdapter(cfg GitHubConfig) *GitHubAdapter {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = githubAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = githubTokenURL
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = githubAPIBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &GitHubAdapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBase:    apiBase,
		httpClient: httpClient,
	}
}

func (*GitHubAdapter) Type() string { return storage.ProviderGitHub }

// AuthorizationURL builds the GitHub redirect. GitHub ignores nonce
// and PKCE parameters; sending them is harmless and keeps the call
// shape uniform across adapters.
func (a *GitHubAdapter) AuthorizationURL(state, _ string, codeChallenge string) string {
	return a.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ResolveIdentity exchanges the code and derives the identity from
// /user and /user/emails, picking the primary verified address.
func (a *GitHubAdapter) ResolveIdentity(ctx context.Context, code, codeVerifier, _ string) (*Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	token, err := a.oauth.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code with github: %w", err)
	}

	userBody, err := a.get(ctx, token.AccessToken, "/user")
	if err != nil {
		return nil, err
	}
	id := gjson.GetBytes(userBody, "id")
	if !id.Exists() {
		return nil, fmt.Errorf("github /user response has no id")
	}

	ident := &Identity{
		Subject: strconv.FormatInt(id.Int(), 10),
		Name:    gjson.GetBytes(userBody, "name").String(),
		Claims: map[string]any{
			"login":      gjson.GetBytes(userBody, "login").String(),
			"avatar_url": gjson.GetBytes(userBody, "avatar_url").String(),
		},
	}

	email, err := a.primaryVerifiedEmail(ctx, token.AccessToken, userBody)
	if err != nil {
		return nil, err
	}
	ident.Email = email
	ident.EmailVerified = true
	return ident, nil
}

// primaryVerifiedEmail prefers the primary verified address from
// /user/emails, falls back to any verified one, then to a public
// profile email.
func (a *GitHubAdapter) primaryVerifiedEmail(ctx context.Context, accessToken string, userBody []byte) (string, error) {
	emailsBody, err := a.get(ctx, accessToken, "/user/emails")
	if err != nil {
		return "", err
	}

	var verified string
	for _, e := range gjson.ParseBytes(emailsBody).Array() {
		if !e.Get("verified").Bool() {
			continue
		}
		if e.Get("primary").Bool() {
			return e.Get("email").String(), nil
		}
		if verified == "" {
			verified = e.Get("email").String()
		}
	}
	if verified != "" {
		return verified, nil
	}

	if public := gjson.GetBytes(userBody, "email").String(); public != "" {
		return public, nil
	}
	return "", ErrNoVerifiedEmail
}

func (a *GitHubAdapter) get(ctx context.Context, accessToken, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building github request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling github %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github %s returned %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading github %s response: %w", path, err)
	}
	return body, nil
}
