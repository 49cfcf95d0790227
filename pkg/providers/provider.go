package providers

import (
	"context"
)

// UserInfo is the identity of the subject that authorized the application.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// TokenInfo is the provider's answer to a code exchange or a refresh.
// ExpiresIn is the remaining lifetime in seconds; zero means unknown.
type TokenInfo struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// Provider interface for OAuth providers
type Provider interface {
	// AuthorizationURL returns the URL the user is sent to. The S256
	// challenge is derived from verifier.
	AuthorizationURL(state, verifier string) string

	// ExchangeCode exchanges an authorization code and its PKCE verifier for tokens
	ExchangeCode(ctx context.Context, code, verifier string) (*TokenInfo, error)

	// RefreshToken obtains a new access token using a refresh token
	RefreshToken(ctx context.Context, refreshToken string) (*TokenInfo, error)

	// GetUserInfo retrieves user information using the access token
	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	// GetName returns the provider name
	GetName() string
}
