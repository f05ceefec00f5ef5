package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// OutOfBandRedirect lets the auth command print a code for the user to paste.
const OutOfBandRedirect = "urn:ietf:wg:oauth:2.0:oob"

// OAuthConfig identifies the OAuth client registered for handovermail.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewOAuthConfig returns the OAuth2 configuration for the handovermail scopes.
func NewOAuthConfig(c OAuthConfig) *oauth2.Config {
	redirect := c.RedirectURL
	if redirect == "" {
		redirect = OutOfBandRedirect
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirect,
		Scopes:       Scopes,
	}
}

// AuthCodeURL returns the consent URL. Offline access with a forced prompt
// guarantees a refresh token is issued even on re-consent.
func AuthCodeURL(conf *oauth2.Config, state string) string {
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token.
func Exchange(ctx context.Context, conf *oauth2.Config, code string) (*oauth2.Token, error) {
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange auth code: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("authorization did not return a refresh token")
	}
	return tok, nil
}

// IsInvalidGrant reports whether err comes from the token endpoint rejecting
// the refresh token (revoked, expired or issued to another client).
func IsInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.ErrorCode != "" {
		return rerr.ErrorCode == "invalid_grant"
	}
	return rerr.Response != nil && rerr.Response.StatusCode == http.StatusBadRequest
}

// ClientFactory builds authenticated HTTP clients for individual users.
type ClientFactory struct {
	OAuth *oauth2.Config
	Store CredentialStore

	// OnRefresh, when set, is called with "success", "failure" or "expired"
	// whenever a token refresh is attempted.
	OnRefresh func(ctx context.Context, result string)

	// Base is the transport beneath the OAuth transport. Nil uses a
	// dedicated HTTP/1.1 transport.
	Base http.RoundTripper
}

// HTTPClient returns a client that authenticates as user. Refreshed tokens
// are written back to the store when it supports it.
func (f *ClientFactory) HTTPClient(ctx context.Context, user string) (*http.Client, error) {
	tok, err := f.Store.Get(ctx, user)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return nil, fmt.Errorf("%w for %s", ErrReauthRequired, user)
		}
		return nil, fmt.Errorf("failed to load credential for %s: %w", user, err)
	}

	base := f.Base
	if base == nil {
		// Force HTTP/1.1 by disabling HTTP/2
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			ForceAttemptHTTP2:   false,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 4,
		}
	}

	ts := &persistingSource{
		ctx:       ctx,
		user:      user,
		base:      oauth2.ReuseTokenSource(tok, f.OAuth.TokenSource(ctx, tok)),
		last:      tok,
		store:     f.Store,
		onRefresh: f.OnRefresh,
	}

	return &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: base},
	}, nil
}

// persistingSource saves refreshed tokens and maps revoked refresh tokens to
// ErrReauthRequired.
type persistingSource struct {
	mu        sync.Mutex
	ctx       context.Context
	user      string
	base      oauth2.TokenSource
	last      *oauth2.Token
	store     CredentialStore
	onRefresh func(ctx context.Context, result string)
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refreshing := !s.last.Valid()

	tok, err := s.base.Token()
	if err != nil {
		result := "failure"
		if IsInvalidGrant(err) {
			result = "expired"
			err = fmt.Errorf("%w for %s: %w", ErrReauthRequired, s.user, err)
		}
		s.notify(result)
		return nil, err
	}

	if refreshing || tok.AccessToken != s.last.AccessToken {
		s.notify("success")
		if w, ok := s.store.(TokenWriter); ok {
			_ = w.Put(s.ctx, s.user, tok)
		}
	}
	s.last = tok
	return tok, nil
}

func (s *persistingSource) notify(result string) {
	if s.onRefresh != nil {
		s.onRefresh(s.ctx, result)
	}
}
