package callback

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xrelay/xrelay/pkg/gateway"
	"github.com/xrelay/xrelay/pkg/handlerutils"
	"github.com/xrelay/xrelay/pkg/providers"
	"github.com/xrelay/xrelay/pkg/types"
)

const missingParamsMessage = "missing authorization code or state"

type HandshakeStore interface {
	Consume(token string) (verifier string, ok bool)
}

type CredentialStore interface {
	Replace(ctx context.Context, cred types.Credential) (*types.Credential, error)
}

type Handler struct {
	handshakes  HandshakeStore
	provider    providers.Provider
	credentials CredentialStore
	scopes      string
	now         func() time.Time
}

// NewHandler creates the provider callback handler. scopes is recorded on the
// credential when the token response does not name any.
func NewHandler(handshakes HandshakeStore, provider providers.Provider, credentials CredentialStore, scopes string) http.Handler {
	return &Handler{
		handshakes:  handshakes,
		provider:    provider,
		credentials: credentials,
		scopes:      scopes,
		now:         time.Now,
	}
}

func fail(w http.ResponseWriter, status int, message string) {
	handlerutils.JSON(w, status, types.CallbackResponse{
		Code:    status,
		Message: message,
	})
}

// serverError answers 500 and marks the request as failed in the audit log.
func serverError(w http.ResponseWriter, r *http.Request, err error, message string) {
	gateway.ReportFailure(r, err)
	fail(w, http.StatusInternalServerError, message)
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	oauthError := query.Get("error")
	errorDescription := query.Get("error_description")

	// The user declined or the provider refused.
	if oauthError != "" {
		log.Warn().Str("error", oauthError).Str("error_description", errorDescription).Msg("Authorization denied by provider")
		message := "authorization denied: " + oauthError
		if errorDescription != "" {
			message += " (" + errorDescription + ")"
		}
		fail(w, http.StatusUnauthorized, message)
		return
	}

	if code == "" || state == "" {
		log.Warn().Bool("code_present", code != "").Bool("state_present", state != "").Msg("Malformed callback")
		fail(w, http.StatusBadRequest, missingParamsMessage)
		return
	}

	// Consuming the state is the CSRF check; the same state never works twice.
	verifier, ok := p.handshakes.Consume(state)
	if !ok {
		log.Warn().Msg("Callback with invalid or expired state")
		fail(w, http.StatusBadRequest, "invalid or expired state")
		return
	}
	if verifier == "" {
		log.Error().Msg("Handshake has no PKCE verifier")
		serverError(w, r, errors.New("handshake has no verifier"), "authorization handshake is incomplete")
		return
	}

	tokenInfo, err := p.provider.ExchangeCode(r.Context(), code, verifier)
	if err != nil {
		log.Error().Err(err).Msg("Failed to exchange code for token")
		serverError(w, r, err, "failed to exchange authorization code")
		return
	}

	userInfo, err := p.provider.GetUserInfo(r.Context(), tokenInfo.AccessToken)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get user info")
		serverError(w, r, err, "failed to get user information")
		return
	}

	cred := types.Credential{
		SubjectID:    userInfo.ID,
		AccessToken:  tokenInfo.AccessToken,
		RefreshToken: tokenInfo.RefreshToken,
		Scope:        tokenInfo.Scope,
		TokenType:    tokenInfo.TokenType,
	}
	if cred.Scope == "" {
		cred.Scope = p.scopes
	}
	if tokenInfo.ExpiresIn > 0 {
		expiresAt := p.now().Add(time.Duration(tokenInfo.ExpiresIn) * time.Second)
		cred.ExpiresAt = &expiresAt
	}

	saved, err := p.credentials.Replace(r.Context(), cred)
	if err != nil {
		log.Error().Err(err).Str("subject_id", userInfo.ID).Msg("Failed to store credential")
		serverError(w, r, err, "failed to store credential")
		return
	}
	log.Info().Str("subject_id", saved.SubjectID).Str("username", userInfo.Username).Msg("Authorization completed")

	handlerutils.JSON(w, http.StatusOK, types.CallbackResponse{
		Code:        http.StatusOK,
		Message:     "authorization successful",
		UserID:      userInfo.ID,
		Username:    userInfo.Username,
		DisplayName: userInfo.Name,
		AccessToken: tokenInfo.AccessToken,
	})
}
