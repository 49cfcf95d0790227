package callback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrelay/xrelay/pkg/gateway"
	"github.com/xrelay/xrelay/pkg/handshake"
	"github.com/xrelay/xrelay/pkg/providers"
	"github.com/xrelay/xrelay/pkg/security"
	"github.com/xrelay/xrelay/pkg/types"
)

type fakeProvider struct {
	exchangeErr error
	userErr     error
	gotVerifier string
}

func (f *fakeProvider) AuthorizationURL(state, verifier string) string {
	return "https://auth.example.com/authorize?state=" + state
}

func (f *fakeProvider) ExchangeCode(ctx context.Context, code, verifier string) (*providers.TokenInfo, error) {
	f.gotVerifier = verifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &providers.TokenInfo{AccessToken: "access-" + code, RefreshToken: "refresh", TokenType: "bearer", ExpiresIn: 7200}, nil
}

func (f *fakeProvider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenInfo, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) GetUserInfo(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return &providers.UserInfo{ID: "42", Username: "jane", Name: "Jane Doe"}, nil
}

func (f *fakeProvider) GetName() string {
	return "fake"
}

type fakeCredentials struct {
	saved []types.Credential
	err   error
}

func (f *fakeCredentials) Replace(ctx context.Context, cred types.Credential) (*types.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.saved = append(f.saved, cred)
	return &cred, nil
}

type memorySink struct {
	entries []types.AccessLog
}

func (s *memorySink) InsertAccessLog(entry *types.AccessLog) error {
	entry.ID = uint(len(s.entries) + 1)
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *memorySink) MarkAccessLogFailed(id uint) error {
	s.entries[id-1].States = types.AccessFailed
	return nil
}

// behindGateway mounts h as a public route behind an enabled gateway.
func behindGateway(h http.Handler, sink *memorySink) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /callback/twitter/oauth", gateway.Public(h, "provider callback"))
	rules := security.NewStatic(types.AccessRules{Enabled: true})
	return gateway.New(rules, mux, gateway.NewAuditor(sink, 0), nil).Wrap(mux)
}

func call(h http.Handler, params url.Values) (*httptest.ResponseRecorder, types.CallbackResponse) {
	req := httptest.NewRequest(http.MethodGet, "/callback/twitter/oauth?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp types.CallbackResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestCallbackHandler(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	setup := func() (*handshake.Store, *fakeProvider, *fakeCredentials, *Handler) {
		store := handshake.NewStore()
		provider := &fakeProvider{}
		creds := &fakeCredentials{}
		h := NewHandler(store, provider, creds, "tweet.read users.read offline.access").(*Handler)
		h.now = func() time.Time { return now }
		return store, provider, creds, h
	}

	t.Run("TestProviderError", func(t *testing.T) {
		_, _, _, h := setup()
		w, resp := call(h, url.Values{"error": {"access_denied"}, "error_description": {"user said no"}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
		assert.Contains(t, resp.Message, "access_denied")
	})

	t.Run("TestMissingCode", func(t *testing.T) {
		_, _, _, h := setup()
		w, resp := call(h, url.Values{"state": {"s"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, missingParamsMessage, resp.Message)
	})

	t.Run("TestUnknownState", func(t *testing.T) {
		_, _, _, h := setup()
		w, resp := call(h, url.Values{"code": {"c"}, "state": {"forged"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid or expired state", resp.Message)
	})

	t.Run("TestMissingState", func(t *testing.T) {
		_, _, _, h := setup()
		w, resp := call(h, url.Values{"code": {"c"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, missingParamsMessage, resp.Message)
	})

	t.Run("TestEmptyStateDoesNotConsume", func(t *testing.T) {
		store, _, _, h := setup()
		state := store.Start("v", time.Minute)

		w, _ := call(h, url.Values{"code": {"c"}, "state": {""}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.True(t, store.Exists(state))
	})

	t.Run("TestSuccessAndReplay", func(t *testing.T) {
		store, provider, creds, h := setup()
		state := store.Start("the-verifier", time.Minute)

		w, resp := call(h, url.Values{"code": {"abc"}, "state": {state}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "42", resp.UserID)
		assert.Equal(t, "jane", resp.Username)
		assert.Equal(t, "Jane Doe", resp.DisplayName)
		assert.Equal(t, "access-abc", resp.AccessToken)
		assert.Equal(t, "the-verifier", provider.gotVerifier)

		require.Len(t, creds.saved, 1)
		saved := creds.saved[0]
		assert.Equal(t, "42", saved.SubjectID)
		assert.Equal(t, "refresh", saved.RefreshToken)
		assert.Equal(t, "tweet.read users.read offline.access", saved.Scope)
		require.NotNil(t, saved.ExpiresAt)
		assert.Equal(t, now.Add(2*time.Hour), *saved.ExpiresAt)

		w, _ = call(h, url.Values{"code": {"abc"}, "state": {state}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Len(t, creds.saved, 1)
	})

	t.Run("TestExchangeFailure", func(t *testing.T) {
		store, provider, creds, h := setup()
		provider.exchangeErr = errors.New("invalid_grant")
		state := store.Start("v", time.Minute)

		w, _ := call(h, url.Values{"code": {"abc"}, "state": {state}})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Empty(t, creds.saved)
	})

	t.Run("TestUserInfoFailure", func(t *testing.T) {
		store, provider, _, h := setup()
		provider.userErr = errors.New("unauthorized")
		state := store.Start("v", time.Minute)

		w, _ := call(h, url.Values{"code": {"abc"}, "state": {state}})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("TestStoreFailure", func(t *testing.T) {
		store, _, creds, h := setup()
		creds.err = errors.New("db down")
		state := store.Start("v", time.Minute)

		w, _ := call(h, url.Values{"code": {"abc"}, "state": {state}})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("TestEmptyVerifier", func(t *testing.T) {
		store, _, _, h := setup()
		state := store.Start("", time.Minute)

		w, _ := call(h, url.Values{"code": {"abc"}, "state": {state}})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
	t.Run("TestAuditRecord", func(t *testing.T) {
		store, provider, _, h := setup()
		sink := &memorySink{}
		gw := behindGateway(h, sink)

		state := store.Start("v", time.Minute)
		w, _ := call(gw, url.Values{"code": {"abc"}, "state": {state}})
		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, sink.entries, 1)
		assert.Equal(t, types.AccessAllowed, sink.entries[0].States)

		provider.exchangeErr = errors.New("invalid_grant")
		state = store.Start("v", time.Minute)
		w, _ = call(gw, url.Values{"code": {"abc"}, "state": {state}})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		require.Len(t, sink.entries, 2)
		assert.Equal(t, types.AccessFailed, sink.entries[1].States)
	})
}
