package roles

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
)

// Store is the slice of the credential store the provider reads.
type Store interface {
	ListRoleConfigs(ctx context.Context) ([]models.RoleConfig, error)
}

// Provider serves role configurations from the store, falling back to the built-in
// table when none were provisioned.
type Provider struct {
	store    Store
	fallback []models.RoleConfig
	logger   *zap.Logger
}

func NewProvider(store Store, logger *zap.Logger) *Provider {
	return &Provider{
		store:    store,
		fallback: DefaultRoleConfigs(),
		logger:   logger,
	}
}

// DefaultRoleConfigs returns the built-in role table used before any roles are seeded.
func DefaultRoleConfigs() []models.RoleConfig {
	return []models.RoleConfig{
		{
			Role:        "cashier",
			Label:       "Cashier",
			Description: "Rings up sales at the till",
			AccessLevel: 1,
			Views:       []models.View{models.ViewPOS},
			Color:       "#16a34a",
		},
		{
			Role:        "staff",
			Label:       "Staff",
			Description: "Sales floor and stock handling",
			AccessLevel: 2,
			Views:       []models.View{models.ViewPOS, models.ViewInventory, models.ViewCustomers},
			Color:       "#2563eb",
		},
		{
			Role:        "supervisor",
			Label:       "Supervisor",
			Description: "Shift lead with reporting access",
			AccessLevel: 3,
			Views: []models.View{models.ViewPOS, models.ViewInventory, models.ViewCustomers,
				models.ViewAnalytics},
			Color: "#9333ea",
		},
		{
			Role:        "manager",
			Label:       "Manager",
			Description: "Store management and settings",
			AccessLevel: 4,
			Views: []models.View{models.ViewPOS, models.ViewInventory, models.ViewCustomers,
				models.ViewAnalytics, models.ViewSettings, models.ViewSupport},
			Color: "#ea580c",
		},
		{
			Role:        "admin",
			Label:       "Administrator",
			Description: "Full access including diagnostics",
			AccessLevel: 5,
			Views:       append([]models.View(nil), models.AllViews...),
			Color:       "#dc2626",
		},
	}
}

// GetRoleConfigs returns every configured role keyed by role id. Store failures are
// returned as is; the fallback table is only used when the store holds no roles.
func (p *Provider) GetRoleConfigs(ctx context.Context) (map[models.Role]models.RoleConfig, error) {
	list, err := p.Sorted(ctx)
	if err != nil {
		return nil, err
	}

	configs := make(map[models.Role]models.RoleConfig, len(list))
	for _, rc := range list {
		configs[rc.Role] = rc
	}
	return configs, nil
}

// Sorted returns the configured roles by ascending access level, then role id.
func (p *Provider) Sorted(ctx context.Context) ([]models.RoleConfig, error) {
	stored, err := p.store.ListRoleConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load role configs: %w", err)
	}

	source := stored
	if len(source) == 0 {
		source = p.fallback
	}

	seen := make(map[models.Role]bool, len(source))
	list := make([]models.RoleConfig, 0, len(source))
	for _, rc := range source {
		if err := rc.Validate(); err != nil {
			p.logger.Warn("Skipping invalid role config", zap.String("role", string(rc.Role)), zap.Error(err))
			continue
		}
		if seen[rc.Role] {
			p.logger.Warn("Skipping duplicate role config", zap.String("role", string(rc.Role)))
			continue
		}
		seen[rc.Role] = true
		list = append(list, rc)
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].AccessLevel != list[j].AccessLevel {
			return list[i].AccessLevel < list[j].AccessLevel
		}
		return list[i].Role < list[j].Role
	})
	return list, nil
}

// Get returns the configuration of role or ErrUnknownRole.
func (p *Provider) Get(ctx context.Context, role models.Role) (models.RoleConfig, error) {
	configs, err := p.GetRoleConfigs(ctx)
	if err != nil {
		return models.RoleConfig{}, err
	}
	rc, ok := configs[role]
	if !ok {
		return models.RoleConfig{}, fmt.Errorf("%w: %q", apierr.ErrUnknownRole, role)
	}
	return rc, nil
}

// AccessLevel returns the access level of role or ErrUnknownRole.
func (p *Provider) AccessLevel(ctx context.Context, role models.Role) (int, error) {
	rc, err := p.Get(ctx, role)
	if err != nil {
		return 0, err
	}
	return rc.AccessLevel, nil
}

// CanAccess reports whether role may reach view. Unconfigured roles are an error, never a default.
func (p *Provider) CanAccess(ctx context.Context, role models.Role, view models.View) (bool, error) {
	rc, err := p.Get(ctx, role)
	if err != nil {
		return false, err
	}
	return rc.Permits(view), nil
}
