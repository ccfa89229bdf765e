package roles

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
)

type stubStore struct {
	configs []models.RoleConfig
	err     error
}

func (s *stubStore) ListRoleConfigs(context.Context) ([]models.RoleConfig, error) {
	return s.configs, s.err
}

func TestGetRoleConfigs_Fallback(t *testing.T) {
	p := NewProvider(&stubStore{}, zap.NewNop())

	configs, err := p.GetRoleConfigs(context.Background())
	require.NoError(t, err)

	want := map[models.Role]bool{"cashier": true, "staff": true, "supervisor": true, "manager": true, "admin": true}
	require.Len(t, configs, len(want))
	for role, rc := range configs {
		assert.True(t, want[role], role)
		assert.Equal(t, role, rc.Role)
		assert.GreaterOrEqual(t, rc.AccessLevel, models.MinAccessLevel)
		assert.LessOrEqual(t, rc.AccessLevel, models.MaxAccessLevel)
	}
}

func TestGetRoleConfigs_FromStore(t *testing.T) {
	store := &stubStore{configs: []models.RoleConfig{
		{Role: "owner", Label: "Owner", AccessLevel: 5, Views: []models.View{models.ViewSettings}},
		{Role: "trainee", Label: "Trainee", AccessLevel: 1, Views: []models.View{models.ViewPOS}},
		{Role: "trainee", Label: "Trainee again", AccessLevel: 2},
		{Role: "broken", Label: "Broken", AccessLevel: 7},
	}}
	p := NewProvider(store, zap.NewNop())

	sorted, err := p.Sorted(context.Background())
	require.NoError(t, err)
	require.Len(t, sorted, 2)
	assert.Equal(t, models.Role("trainee"), sorted[0].Role)
	assert.Equal(t, "Trainee", sorted[0].Label)
	assert.Equal(t, models.Role("owner"), sorted[1].Role)

	configs, err := p.GetRoleConfigs(context.Background())
	require.NoError(t, err)
	assert.Len(t, configs, 2)
	assert.NotContains(t, configs, models.Role("admin"), "fallback must not leak when the store is seeded")
}

func TestSorted_StableOrder(t *testing.T) {
	p := NewProvider(&stubStore{}, zap.NewNop())

	first, err := p.Sorted(context.Background())
	require.NoError(t, err)
	for i := 1; i < len(first); i++ {
		assert.LessOrEqual(t, first[i-1].AccessLevel, first[i].AccessLevel)
	}

	second, err := p.Sorted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCanAccess(t *testing.T) {
	p := NewProvider(&stubStore{}, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		role    models.Role
		view    models.View
		allowed bool
	}{
		{"cashier", models.ViewPOS, true},
		{"cashier", models.ViewInventory, false},
		{"supervisor", models.ViewAnalytics, true},
		{"manager", models.ViewDebug, false},
		{"admin", models.ViewDebug, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.view), func(t *testing.T) {
			ok, err := p.CanAccess(ctx, tt.role, tt.view)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, ok)
		})
	}

	_, err := p.CanAccess(ctx, "intruder", models.ViewPOS)
	assert.ErrorIs(t, err, apierr.ErrUnknownRole)

	level, err := p.AccessLevel(ctx, "manager")
	require.NoError(t, err)
	assert.Equal(t, 4, level)
}

func TestStoreFailurePropagates(t *testing.T) {
	failure := &apierr.StorageError{Op: "list role configs", Err: errors.New("disk gone")}
	p := NewProvider(&stubStore{err: failure}, zap.NewNop())

	_, err := p.GetRoleConfigs(context.Background())
	assert.ErrorIs(t, err, apierr.ErrStorageUnavailable)
}
