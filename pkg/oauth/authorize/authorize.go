package authorize

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xrelay/xrelay/pkg/handlerutils"
	"github.com/xrelay/xrelay/pkg/providers"
	"github.com/xrelay/xrelay/pkg/types"
	"golang.org/x/oauth2"
)

const codeChallengeMethod = "S256"

type HandshakeStore interface {
	Start(verifier string, ttl time.Duration) string
}

type Handler struct {
	handshakes HandshakeStore
	provider   providers.Provider
	ttl        time.Duration
}

func NewHandler(handshakes HandshakeStore, provider providers.Provider, ttl time.Duration) http.Handler {
	return &Handler{
		handshakes: handshakes,
		provider:   provider,
		ttl:        ttl,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	verifier := oauth2.GenerateVerifier()
	state := p.handshakes.Start(verifier, p.ttl)

	authURL := p.provider.AuthorizationURL(state, verifier)

	log.Info().Str("provider", p.provider.GetName()).Dur("ttl", p.ttl).Msg("Started authorization handshake")

	handlerutils.JSON(w, http.StatusOK, types.AuthorizationStart{
		Code:                http.StatusOK,
		Message:             "authorization url generated",
		AuthorizationURL:    authURL,
		State:               state,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: codeChallengeMethod,
	})
}
