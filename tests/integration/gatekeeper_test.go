package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autographhq/gatekeeper/internal/idempotency"
	"github.com/autographhq/gatekeeper/internal/models"
	"github.com/autographhq/gatekeeper/internal/ratelimit"
	"github.com/autographhq/gatekeeper/internal/repositories"
)

func setupDB(t *testing.T) (*TestDB, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := SetupTestDatabase(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Teardown(ctx) })

	return db, ctx
}

func setupRedis(t *testing.T) (*TestRedis, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	tr, err := SetupTestRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Teardown(ctx) })

	return tr, ctx
}

func TestUserRepository_Lifecycle(t *testing.T) {
	db, ctx := setupDB(t)
	repo := repositories.NewUserRepository(db.DB)

	user, err := SeedUser(ctx, db.DB, "alice@example.com", "CorrectHorse9", false)
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)
	assert.False(t, user.EmailVerified)

	byEmail, err := repo.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	_, err = SeedUser(ctx, db.DB, "alice@example.com", "CorrectHorse9", false)
	assert.ErrorIs(t, err, models.ErrConflict)

	require.NoError(t, repo.MarkEmailVerified(ctx, user.ID))
	verified, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, verified.EmailVerified)

	require.NoError(t, repo.EnableMFA(ctx, user.ID, "JBSWY3DPEHPK3PXP"))
	withMFA, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, withMFA.MFAEnabled)
	require.NotNil(t, withMFA.MFASecret)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", *withMFA.MFASecret)
}

func TestAuditLogRepository_QueryFilterAndRetention(t *testing.T) {
	db, ctx := setupDB(t)
	repo := repositories.NewAuditLogRepository(db.DB)

	user, err := SeedUser(ctx, db.DB, "bob@example.com", "CorrectHorse9", true)
	require.NoError(t, err)
	userID := uuid.MustParse(user.ID)
	ip := "203.0.113.7"

	for _, action := range []string{
		models.AuditActionLoginFailed,
		models.AuditActionLoginFailed,
		models.AuditActionLoginSuccess,
	} {
		_, err := repo.Create(ctx, &models.AuditLog{
			UserID:    &userID,
			Action:    action,
			IPAddress: &ip,
			ExtraData: models.AuditExtraData{"reason": "invalid_credentials"},
		})
		require.NoError(t, err)
	}

	filter := models.AuditLogFilter{Action: models.AuditActionLoginFailed}
	logs, err := repo.Query(ctx, filter, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "bob@example.com", *logs[0].UserEmail)
	assert.Equal(t, ip, *logs[0].IPAddress)

	total, err := repo.Count(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	page, err := repo.Query(ctx, models.AuditLogFilter{}, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	deleted, err := repo.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestTokenRevocationRepository_RevokeAndCleanup(t *testing.T) {
	db, ctx := setupDB(t)
	repo := repositories.NewTokenRevocationRepository(db.DB)

	user, err := SeedUser(ctx, db.DB, "carol@example.com", "CorrectHorse9", true)
	require.NoError(t, err)

	jti := uuid.New().String()
	require.NoError(t, repo.RevokeToken(ctx, jti, user.ID, "access", time.Now().Add(15*time.Minute), "logout"))

	revoked, err := repo.IsTokenRevoked(ctx, jti)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = repo.IsTokenRevoked(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.False(t, revoked)

	expiredJTI := uuid.New().String()
	require.NoError(t, repo.RevokeToken(ctx, expiredJTI, user.ID, "access", time.Now().Add(-1*time.Hour), "logout"))

	deleted, err := repo.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestEmailVerificationRepository_SingleUse(t *testing.T) {
	db, ctx := setupDB(t)
	repo := repositories.NewEmailVerificationRepository(db.DB)

	user, err := SeedUser(ctx, db.DB, "dave@example.com", "CorrectHorse9", false)
	require.NoError(t, err)

	hash := sha256.Sum256([]byte("plain-token"))
	tokenHash := hex.EncodeToString(hash[:])

	require.NoError(t, repo.Create(ctx, &models.EmailVerification{
		UserID:    user.ID,
		TokenHash: tokenHash,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}))

	userID, err := repo.ConsumeByTokenHash(ctx, tokenHash)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	_, err = repo.ConsumeByTokenHash(ctx, tokenHash)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRateLimiter_AgainstRedis(t *testing.T) {
	tr, ctx := setupRedis(t)

	limiter := ratelimit.NewLimiter(tr.Store, ratelimit.Config{
		MaxFailures: 3,
		Window:      time.Minute,
	}, testLogger())

	decision := limiter.Check(ctx, "login", "198.51.100.1")
	assert.True(t, decision.Allowed())

	for i := 0; i < 3; i++ {
		_, err := limiter.RecordFailure(ctx, "login", "198.51.100.1")
		require.NoError(t, err)
	}

	decision = limiter.Check(ctx, "login", "198.51.100.1")
	assert.False(t, decision.Allowed())
	assert.Equal(t, int64(3), decision.Count)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))

	// Other identities remain unaffected
	assert.True(t, limiter.Check(ctx, "login", "198.51.100.2").Allowed())

	require.NoError(t, limiter.Reset(ctx, "login", "198.51.100.1"))
	assert.True(t, limiter.Check(ctx, "login", "198.51.100.1").Allowed())
}

func TestIdempotencyStore_AgainstRedis(t *testing.T) {
	tr, ctx := setupRedis(t)

	store := idempotency.NewStore(tr.Store, time.Hour, 30*time.Second)

	_, err := store.Lookup(ctx, "order-42")
	assert.ErrorIs(t, err, models.ErrNotFound)

	claimed, err := store.Claim(ctx, "order-42")
	require.NoError(t, err)
	assert.True(t, claimed)

	// Concurrent retry with the same key loses the claim
	claimed, err = store.Claim(ctx, "order-42")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.Complete(ctx, "order-42", 201,
		map[string]string{"Content-Type": "application/json"}, []byte(`{"id":"42"}`)))

	record, err := store.Lookup(ctx, "order-42")
	require.NoError(t, err)
	assert.True(t, record.Completed())
	assert.Equal(t, 201, record.Status)
	assert.Equal(t, []byte(`{"id":"42"}`), record.Body)

	require.NoError(t, store.Release(ctx, "order-42"))
	claimed, err = store.Claim(ctx, "order-42")
	require.NoError(t, err)
	assert.True(t, claimed)
}
