package revoke

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/xrelay/xrelay/pkg/gateway"
	"github.com/xrelay/xrelay/pkg/handlerutils"
	"github.com/xrelay/xrelay/pkg/types"
)

type Store interface {
	DeleteBySubject(ctx context.Context, subjectID string) error
}

type Handler struct {
	credentials Store
}

func NewHandler(credentials Store) http.Handler {
	return &Handler{
		credentials: credentials,
	}
}

// ServeHTTP deletes the credential named by the {subject} path value. A
// subject without a credential is not an error.
func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subject")
	if subjectID == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Subject is required",
		})
		return
	}

	if err := p.credentials.DeleteBySubject(r.Context(), subjectID); err != nil {
		log.Error().Err(err).Str("subject_id", subjectID).Msg("Failed to revoke credential")
		gateway.ReportFailure(r, err)
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to revoke credential",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
}
