package types

import "time"

// OAuthError represents an OAuth error response
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationStart is returned when a handshake is started.
type AuthorizationStart struct {
	Code                int    `json:"code"`
	Message             string `json:"message"`
	AuthorizationURL    string `json:"authorizationUrl"`
	State               string `json:"state"`
	CodeChallenge       string `json:"codeChallenge"`
	CodeChallengeMethod string `json:"codeChallengeMethod"`
}

// CallbackResponse is the body of the provider callback endpoint.
type CallbackResponse struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	UserID      string `json:"userId,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// CredentialStatus describes a stored credential without any token material.
type CredentialStatus struct {
	SubjectID       string     `json:"subjectId"`
	Scope           string     `json:"scope"`
	TokenType       string     `json:"tokenType"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	HasRefreshToken bool       `json:"hasRefreshToken"`
}

// ErrorResponse is the generic body used for denials.
type ErrorResponse struct {
	Error string `json:"error"`
}
