package db

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xrelay/xrelay/pkg/types"
)

// TestDatabaseOperations runs the store operations against PostgreSQL
func TestDatabaseOperations(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database tests in short mode")
	}

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping database tests: TEST_DATABASE_DSN is not set")
	}
	db, err := New(dsn)
	if err != nil {
		t.Skipf("Skipping database tests: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	}()

	runStoreTests(t, db)
}

func runStoreTests(t *testing.T, db *Store) {
	t.Run("TestCredentialOperations", func(t *testing.T) {
		testCredentialOperations(t, db)
	})

	t.Run("TestReplaceCredential", func(t *testing.T) {
		testReplaceCredential(t, db)
	})

	t.Run("TestDeleteCredential", func(t *testing.T) {
		testDeleteCredential(t, db)
	})

	t.Run("TestAccessLogOperations", func(t *testing.T) {
		testAccessLogOperations(t, db)
	})
}

func testCredentialOperations(t *testing.T, db *Store) {
	subjectID, err := generateRandomString(16)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	expiresAt := now.Add(2 * time.Hour)

	cred := &types.Credential{
		SubjectID:    subjectID,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Scope:        "tweet.read users.read offline.access",
		TokenType:    "bearer",
		ExpiresAt:    &expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, db.SaveCredential(cred))
	assert.NotZero(t, cred.ID)

	retrieved, err := db.GetCredential(subjectID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.Equal(t, cred.SubjectID, retrieved.SubjectID)
	assert.Equal(t, cred.AccessToken, retrieved.AccessToken)
	assert.Equal(t, cred.RefreshToken, retrieved.RefreshToken)
	assert.Equal(t, cred.Scope, retrieved.Scope)
	assert.Equal(t, cred.TokenType, retrieved.TokenType)
	require.NotNil(t, retrieved.ExpiresAt)
	assert.True(t, expiresAt.Equal(*retrieved.ExpiresAt))

	// Saving again updates in place and keeps CreatedAt
	later := now.Add(time.Minute)
	update := &types.Credential{
		SubjectID:   subjectID,
		AccessToken: "access-2",
		TokenType:   "bearer",
		CreatedAt:   later,
		UpdatedAt:   later,
	}
	require.NoError(t, db.SaveCredential(update))
	assert.Equal(t, cred.ID, update.ID)

	retrieved, err = db.GetCredential(subjectID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", retrieved.AccessToken)
	assert.Empty(t, retrieved.RefreshToken)
	assert.Nil(t, retrieved.ExpiresAt)
	assert.True(t, now.Equal(retrieved.CreatedAt))
	assert.True(t, later.Equal(retrieved.UpdatedAt))

	missing, err := db.GetCredential("non_existent_subject")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testReplaceCredential(t *testing.T, db *Store) {
	subjectID, err := generateRandomString(16)
	require.NoError(t, err)

	now := time.Now().UTC()
	first := &types.Credential{SubjectID: subjectID, AccessToken: "old", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.SaveCredential(first))

	second := &types.Credential{SubjectID: subjectID, AccessToken: "new", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.ReplaceCredential(second))

	all, err := db.ListCredentials()
	require.NoError(t, err)

	count := 0
	for _, c := range all {
		if c.SubjectID == subjectID {
			count++
			assert.Equal(t, "new", c.AccessToken)
		}
	}
	assert.Equal(t, 1, count)
}

func testDeleteCredential(t *testing.T, db *Store) {
	subjectID, err := generateRandomString(16)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, db.SaveCredential(&types.Credential{SubjectID: subjectID, AccessToken: "a", CreatedAt: now, UpdatedAt: now}))

	deleted, err := db.DeleteCredential(subjectID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = db.DeleteCredential(subjectID)
	require.NoError(t, err)
	assert.False(t, deleted)

	cred, err := db.GetCredential(subjectID)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func testAccessLogOperations(t *testing.T, db *Store) {
	entry := &types.AccessLog{
		IP:        "10.0.0.1",
		API:       "GET /api/credentials/42",
		States:    types.AccessAllowed,
		RequestID: "req-1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.InsertAccessLog(entry))
	require.NotZero(t, entry.ID)

	require.NoError(t, db.MarkAccessLogFailed(entry.ID))

	stored, err := db.GetAccessLog(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AccessFailed, stored.States)
	assert.Equal(t, "10.0.0.1", stored.IP)

	assert.Error(t, db.MarkAccessLogFailed(entry.ID+1000))
}

func generateRandomString(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
