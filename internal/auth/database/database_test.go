package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(context.Background(), filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testUser(id, username string) *models.User {
	return &models.User{
		ID:                id,
		Username:          username,
		PasswordHash:      "$2a$04$hash",
		Role:              "staff",
		Email:             username + "@example.com",
		AccessLevel:       2,
		CreatedAt:         epoch,
		UpdatedAt:         epoch,
		PasswordChangedAt: epoch,
	}
}

func TestUsers_PutAndGet(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	lock := epoch.Add(5 * time.Minute)
	u := testUser("u1", "staff")
	u.FailedAttempts = 3
	u.LockedUntil = &lock
	require.NoError(t, db.PutUser(ctx, u))

	byName, err := db.GetUserByUsername(ctx, "staff")
	require.NoError(t, err)
	assert.Equal(t, "u1", byName.ID)
	assert.Equal(t, 3, byName.FailedAttempts)
	require.NotNil(t, byName.LockedUntil)
	assert.True(t, lock.Equal(*byName.LockedUntil))
	assert.Nil(t, byName.LastActivity)
	assert.Equal(t, int64(1), byName.Version)

	byID, err := db.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, byName, byID)

	_, err = db.GetUserByUsername(ctx, "ghost")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	_, err = db.GetUserByID(ctx, "ghost")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestUsers_UsernameUnique(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.PutUser(ctx, testUser("u1", "staff")))
	err := db.PutUser(ctx, testUser("u2", "staff"))
	assert.ErrorIs(t, err, apierr.ErrUsernameTaken)
}

func TestUsers_UpdateCAS(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.PutUser(ctx, testUser("u1", "staff")))

	first, err := db.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	second, err := db.GetUserByID(ctx, "u1")
	require.NoError(t, err)

	first.FailedAttempts = 1
	require.NoError(t, db.UpdateUserCAS(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	// the stale snapshot loses
	second.FailedAttempts = 1
	assert.ErrorIs(t, db.UpdateUserCAS(ctx, second), apierr.ErrVersionConflict)

	ghost := testUser("ghost", "ghost")
	assert.ErrorIs(t, db.UpdateUserCAS(ctx, ghost), apierr.ErrNotFound)

	stored, err := db.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedAttempts)
	assert.Equal(t, int64(2), stored.Version)
}

func TestUsers_RecordLoginFailure(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.PutUser(ctx, testUser("u1", "staff")))

	for i := 1; i <= 2; i++ {
		u, recorded, err := db.RecordLoginFailure(ctx, "u1", 3, 5*time.Minute, epoch)
		require.NoError(t, err)
		assert.True(t, recorded)
		assert.Equal(t, i, u.FailedAttempts)
		assert.Nil(t, u.LockedUntil)
		assert.Equal(t, int64(1+i), u.Version)
	}

	u, recorded, err := db.RecordLoginFailure(ctx, "u1", 3, 5*time.Minute, epoch)
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.Equal(t, 3, u.FailedAttempts)
	require.NotNil(t, u.LockedUntil)
	assert.True(t, epoch.Add(5*time.Minute).Equal(*u.LockedUntil))

	// still locked: nothing is written
	u, recorded, err = db.RecordLoginFailure(ctx, "u1", 3, 5*time.Minute, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, recorded)
	assert.Equal(t, 3, u.FailedAttempts)
	assert.Equal(t, int64(4), u.Version)

	// expired lock: counting starts over
	later := epoch.Add(6 * time.Minute)
	u, recorded, err = db.RecordLoginFailure(ctx, "u1", 3, 5*time.Minute, later)
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.Equal(t, 1, u.FailedAttempts)
	assert.Nil(t, u.LockedUntil)
	assert.Equal(t, int64(5), u.Version)
	assert.True(t, later.Equal(u.UpdatedAt))

	_, _, err = db.RecordLoginFailure(ctx, "ghost", 3, 5*time.Minute, epoch)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestCountClearAndSeed(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.SeedUsers(ctx, []*models.User{testUser("u1", "a"), testUser("u2", "b")}))
	require.NoError(t, db.SeedRoleConfigs(ctx, []models.RoleConfig{
		{Role: "staff", Label: "Staff", AccessLevel: 2, Views: []models.View{models.ViewPOS}},
	}))
	require.NoError(t, db.SeedSystemConfigs(ctx, []models.SystemConfig{
		{Key: "currency", Value: "EUR", Category: "locale"},
		{Key: "store_name", Value: "Main", Category: "store"},
	}))

	counts := map[Kind]int{KindUser: 2, KindRoleConfig: 1, KindSystemConfig: 2}
	for kind, want := range counts {
		n, err := db.Count(ctx, kind)
		require.NoError(t, err)
		assert.Equal(t, want, n, kind)
	}

	require.NoError(t, db.Clear(ctx, KindSystemConfig))
	n, err := db.Count(ctx, KindSystemConfig)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = db.Count(ctx, Kind("orders"))
	assert.Error(t, err)
}

func TestSeedUsers_RollsBackOnConflict(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	err := db.SeedUsers(ctx, []*models.User{testUser("u1", "same"), testUser("u2", "same")})
	assert.ErrorIs(t, err, apierr.ErrUsernameTaken)

	n, err := db.Count(ctx, KindUser)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRoleConfigs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.PutRoleConfig(ctx, models.RoleConfig{Role: "admin", Label: "Admin", AccessLevel: 5,
		Views: []models.View{models.ViewPOS, models.ViewDebug}}))
	require.NoError(t, db.PutRoleConfig(ctx, models.RoleConfig{Role: "cashier", Label: "Cashier", AccessLevel: 1}))

	rc, err := db.GetRoleConfig(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, []models.View{models.ViewPOS, models.ViewDebug}, rc.Views)

	list, err := db.ListRoleConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.Role("cashier"), list[0].Role)
	assert.Empty(t, list[0].Views)

	_, err = db.GetRoleConfig(ctx, "owner")
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	// the CHECK constraint rejects out of range levels
	err = db.PutRoleConfig(ctx, models.RoleConfig{Role: "root", Label: "Root", AccessLevel: 9})
	assert.ErrorIs(t, err, apierr.ErrStorageUnavailable)
}

func TestSystemConfigs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, db.PutSystemConfig(ctx, models.SystemConfig{Key: "tax_rate", Value: "0.2", Category: "tax"}))
	require.NoError(t, db.PutSystemConfig(ctx, models.SystemConfig{Key: "tax_rate", Value: "0.21", Category: "tax"}))

	sc, err := db.GetSystemConfig(ctx, "tax_rate")
	require.NoError(t, err)
	assert.Equal(t, "0.21", sc.Value)

	list, err := db.ListSystemConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = db.GetSystemConfig(ctx, "missing")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestSessions_SupersedeAndClear(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.PutUser(ctx, testUser("u1", "staff")))

	_, err := db.GetCurrentSession(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	first := &models.Session{Token: "t1", UserID: "u1", IssuedAt: epoch, LastActivity: epoch}
	require.NoError(t, db.CreateSession(ctx, first))
	second := &models.Session{Token: "t2", UserID: "u1", IssuedAt: epoch.Add(time.Minute), LastActivity: epoch.Add(time.Minute)}
	require.NoError(t, db.CreateSession(ctx, second))

	current, err := db.GetCurrentSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t2", current.Token)

	old, err := db.GetSession(ctx, "t1")
	require.NoError(t, err)
	assert.NotNil(t, old.RevokedAt)
	assert.ErrorIs(t, db.TouchSession(ctx, "t1", epoch.Add(2*time.Minute)), apierr.ErrNotFound)

	// a stale token cannot clear the newer marker
	cleared, err := db.ClearCurrentSession(ctx, "t1", epoch)
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = db.ClearCurrentSession(ctx, "", epoch.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = db.ClearCurrentSession(ctx, "", epoch.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, cleared)

	_, err = db.GetCurrentSession(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestSessions_TouchUpdatesUser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.PutUser(ctx, testUser("u1", "staff")))
	require.NoError(t, db.CreateSession(ctx, &models.Session{Token: "t1", UserID: "u1", IssuedAt: epoch, LastActivity: epoch}))

	at := epoch.Add(time.Hour)
	require.NoError(t, db.TouchSession(ctx, "t1", at))

	session, err := db.GetCurrentSession(ctx)
	require.NoError(t, err)
	assert.True(t, at.Equal(session.LastActivity))

	user, err := db.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, user.LastActivity)
	assert.True(t, at.Equal(*user.LastActivity))
	assert.Equal(t, int64(2), user.Version)
}

func TestSessions_ExpireRespectsSupersessionAndActivity(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.PutUser(ctx, testUser("u1", "staff")))
	require.NoError(t, db.CreateSession(ctx, &models.Session{Token: "t1", UserID: "u1", IssuedAt: epoch, LastActivity: epoch}))

	idleBefore := epoch.Add(time.Minute)

	// touched after the cut-off: not expired
	require.NoError(t, db.TouchSession(ctx, "t1", epoch.Add(2*time.Minute)))
	expired, err := db.ExpireSession(ctx, "t1", idleBefore, epoch.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)

	// superseded: the newer session wins
	require.NoError(t, db.CreateSession(ctx, &models.Session{Token: "t2", UserID: "u1", IssuedAt: epoch, LastActivity: epoch}))
	expired, err = db.ExpireSession(ctx, "t1", epoch.Add(time.Hour), epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = db.ExpireSession(ctx, "t2", epoch.Add(time.Hour), epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)

	current, err := db.GetCurrentSession(ctx)
	require.NoError(t, err)
	assert.NotNil(t, current.ExpiredAt)
}

func TestSessions_RevokeUserSessions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.PutUser(ctx, testUser("u1", "staff")))
	require.NoError(t, db.PutUser(ctx, testUser("u2", "admin")))

	require.NoError(t, db.CreateSession(ctx, &models.Session{Token: "a", UserID: "u1", IssuedAt: epoch, LastActivity: epoch}))
	require.NoError(t, db.CreateSession(ctx, &models.Session{Token: "b", UserID: "u2", IssuedAt: epoch, LastActivity: epoch}))
	require.NoError(t, db.CreateSession(ctx, &models.Session{Token: "c", UserID: "u1", IssuedAt: epoch, LastActivity: epoch}))

	// "a" was already revoked by supersession; only "c" is live for u1
	n, err := db.RevokeUserSessions(ctx, "u1", "", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = db.GetCurrentSession(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	sessions, err := db.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.False(t, s.Active())
	}

	removed, err := db.DeleteStaleSessions(ctx, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func TestClearUsersDropsSessions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.PutUser(ctx, testUser("u1", "staff")))
	require.NoError(t, db.CreateSession(ctx, &models.Session{Token: "t1", UserID: "u1", IssuedAt: epoch, LastActivity: epoch}))

	require.NoError(t, db.Clear(ctx, KindUser))

	_, err := db.GetCurrentSession(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	_, err = db.GetSession(ctx, "t1")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("role_configs")
	require.NoError(t, err)
	assert.Equal(t, KindRoleConfig, k)

	_, err = ParseKind("orders")
	assert.Error(t, err)
}
