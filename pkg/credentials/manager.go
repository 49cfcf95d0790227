package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xrelay/xrelay/pkg/encryption"
	"github.com/xrelay/xrelay/pkg/providers"
	"github.com/xrelay/xrelay/pkg/types"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshThreshold = 30 * time.Minute
	DefaultRefreshTimeout   = 30 * time.Second
)

var (
	ErrNotFound      = errors.New("credential not found")
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// Repository persists credentials, one row per subject.
type Repository interface {
	GetCredential(subjectID string) (*types.Credential, error)
	ListCredentials() ([]types.Credential, error)
	SaveCredential(cred *types.Credential) error
	ReplaceCredential(cred *types.Credential) error
	DeleteCredential(subjectID string) (bool, error)
}

// Refresher trades a refresh token for a new access token.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenInfo, error)
}

// SweepResult tallies one pass of RefreshExpiringCredentials.
type SweepResult struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Manager owns the lifecycle of stored credentials.
type Manager struct {
	repo           Repository
	refresher      Refresher
	threshold      time.Duration
	timeout        time.Duration
	defaultSubject string

	group singleflight.Group
	now   func() time.Time
}

// NewManager creates a credential manager. Zero durations in config fall back
// to the package defaults.
func NewManager(repo Repository, refresher Refresher, config types.Config) *Manager {
	m := &Manager{
		repo:           repo,
		refresher:      refresher,
		threshold:      config.RefreshThreshold,
		timeout:        config.RefreshTimeout,
		defaultSubject: config.DefaultSubjectID,
		now:            time.Now,
	}
	if m.threshold <= 0 {
		m.threshold = DefaultRefreshThreshold
	}
	if m.timeout <= 0 {
		m.timeout = DefaultRefreshTimeout
	}
	return m
}

// DefaultSubject is the subject used when a caller does not name one.
func (m *Manager) DefaultSubject() string {
	return m.defaultSubject
}

// Save inserts or updates the credential for cred.SubjectID.
func (m *Manager) Save(_ context.Context, cred types.Credential) (*types.Credential, error) {
	now := m.now()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	if err := m.repo.SaveCredential(&cred); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	return &cred, nil
}

// Replace drops whatever is stored for cred.SubjectID and stores cred in its
// place. Used when a subject authorizes again.
func (m *Manager) Replace(_ context.Context, cred types.Credential) (*types.Credential, error) {
	now := m.now()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	if err := m.repo.ReplaceCredential(&cred); err != nil {
		return nil, fmt.Errorf("failed to replace credential: %w", err)
	}
	return &cred, nil
}

// GetBySubject returns the stored credential for subjectID. found is false
// when there is none.
func (m *Manager) GetBySubject(_ context.Context, subjectID string) (*types.Credential, bool, error) {
	cred, err := m.repo.GetCredential(subjectID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, cred != nil, nil
}

// DeleteBySubject removes the credential for subjectID. Deleting a subject
// with no credential succeeds.
func (m *Manager) DeleteBySubject(_ context.Context, subjectID string) error {
	deleted, err := m.repo.DeleteCredential(subjectID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	log.Info().Str("subject_id", subjectID).Bool("deleted", deleted).Msg("Deleted credential")
	return nil
}

func (m *Manager) needsRefresh(cred *types.Credential) bool {
	if cred.ExpiresAt == nil {
		return false
	}
	return !cred.ExpiresAt.After(m.now().Add(m.threshold))
}

// GetValidAccessToken returns an access token for subjectID that stays valid
// for at least the refresh threshold, refreshing it first when needed.
// Credentials without a refresh token are returned as stored.
func (m *Manager) GetValidAccessToken(ctx context.Context, subjectID string) (string, error) {
	cred, err := m.repo.GetCredential(subjectID)
	if err != nil {
		return "", fmt.Errorf("failed to get credential: %w", err)
	}
	if cred == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, subjectID)
	}
	if !cred.HasRefreshToken() {
		log.Warn().Str("subject_id", subjectID).Msg("Credential has no refresh token, returning stored access token")
		return cred.AccessToken, nil
	}
	if !m.needsRefresh(cred) {
		return cred.AccessToken, nil
	}

	// Callers for the same subject share one refresh. It must outlive any
	// single caller's cancellation.
	refreshCtx := context.WithoutCancel(ctx)
	v, err, _ := m.group.Do(subjectID, func() (any, error) {
		return m.refresh(refreshCtx, subjectID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, subjectID string) (string, error) {
	cred, err := m.repo.GetCredential(subjectID)
	if err != nil {
		return "", fmt.Errorf("failed to get credential: %w", err)
	}
	if cred == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, subjectID)
	}
	// Another caller may have refreshed between our read and the flight.
	if !cred.HasRefreshToken() || !m.needsRefresh(cred) {
		return cred.AccessToken, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	info, err := m.refresher.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		log.Error().Err(err).Str("subject_id", subjectID).Msg("Failed to refresh credential")
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if info == nil || info.AccessToken == "" {
		log.Error().Str("subject_id", subjectID).Msg("Provider returned an empty refresh response")
		return "", fmt.Errorf("%w: empty response from provider", ErrRefreshFailed)
	}

	now := m.now()
	cred.AccessToken = info.AccessToken
	if info.RefreshToken != "" {
		cred.RefreshToken = info.RefreshToken
	}
	if info.Scope != "" {
		cred.Scope = info.Scope
	}
	if info.TokenType != "" {
		cred.TokenType = info.TokenType
	}
	if info.ExpiresIn > 0 {
		expiresAt := now.Add(time.Duration(info.ExpiresIn) * time.Second)
		cred.ExpiresAt = &expiresAt
	} else {
		cred.ExpiresAt = nil
	}

	saved, err := m.Save(ctx, *cred)
	if err != nil {
		return "", err
	}

	log.Info().Str("subject_id", subjectID).Msg("Refreshed credential")
	return saved.AccessToken, nil
}

// RefreshExpiringCredentials refreshes every stored credential that is inside
// the refresh threshold. A failing credential is logged and counted; it never
// stops the pass.
func (m *Manager) RefreshExpiringCredentials(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	creds, err := m.repo.ListCredentials()
	if err != nil {
		return result, fmt.Errorf("failed to list credentials: %w", err)
	}

	for i := range creds {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		cred := &creds[i]
		logStored(cred)

		if !cred.HasRefreshToken() || !m.needsRefresh(cred) {
			result.Skipped++
			continue
		}

		if _, err := m.GetValidAccessToken(ctx, cred.SubjectID); err != nil {
			log.Warn().Err(err).Str("subject_id", cred.SubjectID).Msg("Sweep could not refresh credential")
			result.Failed++
			continue
		}
		result.Refreshed++
	}

	log.Info().
		Int("total", len(creds)).
		Int("refreshed", result.Refreshed).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Credential refresh sweep finished")

	return result, nil
}

func logStored(cred *types.Credential) {
	e := log.Debug().
		Str("subject_id", cred.SubjectID).
		Str("access_token", encryption.MaskSecret(cred.AccessToken)).
		Str("refresh_token", encryption.MaskSecret(cred.RefreshToken))
	if cred.ExpiresAt != nil {
		e = e.Time("expires_at", *cred.ExpiresAt)
	}
	e.Msg("Stored credential")
}
