package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrelay/xrelay/pkg/credentials"
	"github.com/xrelay/xrelay/pkg/types"
)

type fakeStore struct {
	creds      map[string]types.Credential
	refreshErr error
	refreshed  []string
}

func (f *fakeStore) GetBySubject(ctx context.Context, subjectID string) (*types.Credential, bool, error) {
	c, ok := f.creds[subjectID]
	if !ok {
		return nil, false, nil
	}
	return &c, true, nil
}

func (f *fakeStore) GetValidAccessToken(ctx context.Context, subjectID string) (string, error) {
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.refreshed = append(f.refreshed, subjectID)
	return "token", nil
}

func (f *fakeStore) DefaultSubject() string {
	return "default"
}

type fakeSweeper struct {
	result credentials.SweepResult
	err    error
}

func (f *fakeSweeper) RefreshExpiringCredentials(ctx context.Context) (credentials.SweepResult, error) {
	return f.result, f.err
}

func newMux(store Store, sweeper Sweeper) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /api/credentials", NewHandler(store))
	mux.Handle("GET /api/credentials/{subject}", NewHandler(store))
	mux.Handle("POST /api/credentials/refresh", NewRefreshHandler(sweeper))
	return mux
}

func TestStatusHandler(t *testing.T) {
	expires := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	store := &fakeStore{creds: map[string]types.Credential{
		"42": {
			SubjectID:    "42",
			AccessToken:  "secret-access",
			RefreshToken: "secret-refresh",
			Scope:        "tweet.read",
			TokenType:    "bearer",
			ExpiresAt:    &expires,
		},
		"default": {SubjectID: "default", AccessToken: "a"},
	}}
	mux := newMux(store, &fakeSweeper{})

	t.Run("TestStatusHidesTokens", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/credentials/42", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "secret-access")
		assert.NotContains(t, w.Body.String(), "secret-refresh")

		var status types.CredentialStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.Equal(t, "42", status.SubjectID)
		assert.True(t, status.HasRefreshToken)
		require.NotNil(t, status.ExpiresAt)
		assert.True(t, expires.Equal(*status.ExpiresAt))
		assert.Empty(t, store.refreshed)
	})

	t.Run("TestDefaultSubject", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/credentials", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"subjectId":"default"`)
	})

	t.Run("TestNotFound", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/credentials/nobody", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("TestRefreshFirst", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/credentials/42?refresh=true", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"42"}, store.refreshed)
	})

	t.Run("TestRefreshFailure", func(t *testing.T) {
		failing := &fakeStore{creds: store.creds, refreshErr: fmt.Errorf("%w: revoked", credentials.ErrRefreshFailed)}
		w := httptest.NewRecorder()
		newMux(failing, &fakeSweeper{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/credentials/42?refresh=true", nil))
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestRefreshHandler(t *testing.T) {
	t.Run("TestReturnsCounts", func(t *testing.T) {
		sweeper := &fakeSweeper{result: credentials.SweepResult{Refreshed: 2, Failed: 1, Skipped: 3}}
		w := httptest.NewRecorder()
		newMux(&fakeStore{}, sweeper).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/credentials/refresh", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"refreshed":2,"failed":1,"skipped":3}`, w.Body.String())
	})

	t.Run("TestSweepError", func(t *testing.T) {
		sweeper := &fakeSweeper{err: errors.New("db down")}
		w := httptest.NewRecorder()
		newMux(&fakeStore{}, sweeper).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/credentials/refresh", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
