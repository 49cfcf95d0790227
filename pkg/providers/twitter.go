package providers

import (
	"net/url"

	"github.com/xrelay/xrelay/pkg/types"
)

const TwitterProviderName = "twitter"

// Default Twitter (X) OAuth2 endpoints.
const (
	TwitterAuthorizeURL = "https://twitter.com/i/oauth2/authorize"
	TwitterTokenURL     = "https://api.twitter.com/2/oauth2/token"
	TwitterUserInfoURL  = "https://api.twitter.com/2/users/me"
	TwitterScopes       = "tweet.read users.read follows.read follows.write tweet.write"
)

// NewTwitterProvider builds the Twitter provider from the gateway config,
// filling in the public endpoints when they are not overridden.
func NewTwitterProvider(config types.Config) *GenericProvider {
	c := Config{
		ClientID:     config.OAuthClientID,
		ClientSecret: config.OAuthClientSecret,
		AuthorizeURL: orDefault(config.OAuthAuthorizeURL, TwitterAuthorizeURL),
		TokenURL:     orDefault(config.OAuthTokenURL, TwitterTokenURL),
		UserInfoURL:  orDefault(config.OAuthUserInfoURL, TwitterUserInfoURL),
		RedirectURL:  config.OAuthCallbackURL,
		Scopes:       orDefault(config.Scopes, TwitterScopes),
		UserInfoParams: url.Values{
			"user.fields": {"id,name,username,created_at,profile_image_url"},
		},
	}
	return NewGenericProvider(TwitterProviderName, c)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
