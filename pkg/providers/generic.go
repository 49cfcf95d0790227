package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Config describes the endpoints and client registration of an OAuth2 provider.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       string

	// UserInfoParams are appended to every userinfo request.
	UserInfoParams url.Values
}

// GenericProvider implements Provider against fixed, configured endpoints.
type GenericProvider struct {
	name       string
	config     Config
	httpClient *http.Client
	now        func() time.Time
}

// NewGenericProvider creates a new generic OAuth provider
func NewGenericProvider(name string, config Config) *GenericProvider {
	return &GenericProvider{
		name:   name,
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

func (p *GenericProvider) oauth2Config() *oauth2.Config {
	// Basic auth when there is a secret to send, client_id in the body otherwise.
	authStyle := oauth2.AuthStyleInParams
	if p.config.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}

	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  p.config.RedirectURL,
		Scopes:       strings.Fields(p.config.Scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.config.AuthorizeURL,
			TokenURL:  p.config.TokenURL,
			AuthStyle: authStyle,
		},
	}
}

func (p *GenericProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// AuthorizationURL returns the authorization URL with an S256 PKCE challenge.
func (p *GenericProvider) AuthorizationURL(state, verifier string) string {
	return p.oauth2Config().AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *GenericProvider) ExchangeCode(ctx context.Context, code, verifier string) (*TokenInfo, error) {
	token, err := p.oauth2Config().Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return p.tokenInfo(token), nil
}

// RefreshToken refreshes an access token using a refresh token.
func (p *GenericProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenInfo, error) {
	token, err := p.oauth2Config().
		TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).
		Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return p.tokenInfo(token), nil
}

func (p *GenericProvider) tokenInfo(token *oauth2.Token) *TokenInfo {
	info := &TokenInfo{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		info.Scope = scope
	}
	if !token.Expiry.IsZero() {
		if remaining := token.Expiry.Sub(p.now()).Round(time.Second); remaining > 0 {
			info.ExpiresIn = int64(remaining / time.Second)
		}
	}
	return info
}

// GetUserInfo retrieves user information using the access token
func (p *GenericProvider) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	if p.config.UserInfoURL == "" {
		return nil, fmt.Errorf("userinfo endpoint not available")
	}

	endpoint, err := url.Parse(p.config.UserInfoURL)
	if err != nil {
		return nil, fmt.Errorf("invalid userinfo URL: %w", err)
	}
	if len(p.config.UserInfoParams) > 0 {
		q := endpoint.Query()
		for k, vs := range p.config.UserInfoParams {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: %s", resp.Status)
	}

	var userInfoResp map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&userInfoResp); err != nil {
		return nil, fmt.Errorf("failed to decode user info response: %w", err)
	}

	// Twitter-style APIs wrap the user in a "data" object.
	if data, ok := userInfoResp["data"].(map[string]any); ok {
		userInfoResp = data
	}

	userInfo := &UserInfo{
		ID:       getString(userInfoResp, "id"),
		Username: getString(userInfoResp, "username"),
		Name:     getString(userInfoResp, "name"),
	}
	if userInfo.ID == "" {
		userInfo.ID = getString(userInfoResp, "sub")
	}
	if userInfo.Username == "" {
		userInfo.Username = getString(userInfoResp, "preferred_username")
	}
	if userInfo.ID == "" {
		return nil, fmt.Errorf("userinfo response has no subject id")
	}

	return userInfo, nil
}

// GetName returns the provider name
func (p *GenericProvider) GetName() string {
	return p.name
}

// Helper functions
func getString(m map[string]any, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
