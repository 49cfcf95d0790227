package status

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/xrelay/xrelay/pkg/credentials"
	"github.com/xrelay/xrelay/pkg/gateway"
	"github.com/xrelay/xrelay/pkg/handlerutils"
	"github.com/xrelay/xrelay/pkg/types"
)

type Store interface {
	GetBySubject(ctx context.Context, subjectID string) (*types.Credential, bool, error)
	GetValidAccessToken(ctx context.Context, subjectID string) (string, error)
	DefaultSubject() string
}

type Sweeper interface {
	RefreshExpiringCredentials(ctx context.Context) (credentials.SweepResult, error)
}

type Handler struct {
	credentials Store
}

// NewHandler serves the status of one credential. The subject comes from the
// {subject} path value, or the default subject when absent. With
// ?refresh=true the credential is brought up to date first.
func NewHandler(credentials Store) http.Handler {
	return &Handler{
		credentials: credentials,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subject")
	if subjectID == "" {
		subjectID = p.credentials.DefaultSubject()
	}
	if subjectID == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Subject is required",
		})
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		if _, err := p.credentials.GetValidAccessToken(r.Context(), subjectID); err != nil {
			p.writeError(w, r, err)
			return
		}
	}

	cred, found, err := p.credentials.GetBySubject(r.Context(), subjectID)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	if !found {
		p.writeError(w, r, credentials.ErrNotFound)
		return
	}

	handlerutils.JSON(w, http.StatusOK, types.CredentialStatus{
		SubjectID:       cred.SubjectID,
		Scope:           cred.Scope,
		TokenType:       cred.TokenType,
		ExpiresAt:       cred.ExpiresAt,
		UpdatedAt:       cred.UpdatedAt,
		HasRefreshToken: cred.HasRefreshToken(),
	})
}

func (p *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		handlerutils.JSON(w, http.StatusNotFound, types.OAuthError{
			Error:            "not_found",
			ErrorDescription: "No credential for subject",
		})
	case errors.Is(err, credentials.ErrRefreshFailed):
		gateway.ReportFailure(r, err)
		handlerutils.JSON(w, http.StatusBadGateway, types.OAuthError{
			Error:            "refresh_failed",
			ErrorDescription: "Credential could not be refreshed",
		})
	default:
		log.Error().Err(err).Msg("Failed to read credential")
		gateway.ReportFailure(r, err)
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to read credential",
		})
	}
}

type refreshHandler struct {
	sweeper Sweeper
}

// NewRefreshHandler runs a refresh sweep on demand and returns its tally.
func NewRefreshHandler(sweeper Sweeper) http.Handler {
	return &refreshHandler{sweeper: sweeper}
}

func (p *refreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result, err := p.sweeper.RefreshExpiringCredentials(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Manual refresh sweep failed")
		gateway.ReportFailure(r, err)
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Refresh sweep failed",
		})
		return
	}
	handlerutils.JSON(w, http.StatusOK, result)
}
