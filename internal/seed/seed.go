// Package seed provisions a fresh till database: role table, demo accounts and
// store settings.
package seed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/database"
	"github.com/victorgomez09/posauth/internal/auth/models"
	"github.com/victorgomez09/posauth/internal/auth/roles"
)

// DemoPassword is shared by every demo account.
const DemoPassword = "password123"

// DemoUser is a demo account seeded with DemoPassword.
type DemoUser struct {
	Username string
	Email    string
	Role     models.Role
}

// DemoUsers has one account per default role.
var DemoUsers = []DemoUser{
	{Username: "cashier", Email: "cashier@example.com", Role: "cashier"},
	{Username: "staff", Email: "staff@example.com", Role: "staff"},
	{Username: "supervisor", Email: "supervisor@example.com", Role: "supervisor"},
	{Username: "manager", Email: "manager@example.com", Role: "manager"},
	{Username: "admin", Email: "admin@example.com", Role: "admin"},
}

// DefaultSystemConfigs returns the store settings written on first provisioning.
// Security limits are not among them: lockout and inactivity come from the
// daemon's auth config only.
func DefaultSystemConfigs() []models.SystemConfig {
	return []models.SystemConfig{
		{Key: "store_name", Value: "Main Street Store", Category: "store"},
		{Key: "currency", Value: "USD", Category: "store"},
		{Key: "tax_rate", Value: "0.08", Category: "pos"},
		{Key: "receipt_footer", Value: "Thank you for shopping with us", Category: "pos"},
	}
}

// Store is the part of the credential store provisioning writes to.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetSystemConfig(ctx context.Context, key string) (models.SystemConfig, error)
	Clear(ctx context.Context, kind database.Kind) error
	SeedUsers(ctx context.Context, users []*models.User) error
	SeedRoleConfigs(ctx context.Context, configs []models.RoleConfig) error
	SeedSystemConfigs(ctx context.Context, configs []models.SystemConfig) error
}

// Hasher produces password hashes at the configured cost.
type Hasher interface {
	HashPassword(password string) (string, error)
}

// Summary counts what a run wrote.
type Summary struct {
	Roles         int
	Users         int
	SystemConfigs int
}

type Seeder struct {
	store  Store
	hasher Hasher
	logger *zap.Logger
	now    func() time.Time
}

func NewSeeder(store Store, hasher Hasher, logger *zap.Logger) *Seeder {
	return &Seeder{store: store, hasher: hasher, logger: logger, now: time.Now}
}

// Run writes the default role table, then the demo accounts and store settings that
// are missing. Existing accounts and settings are left alone unless reset clears
// every record kind first.
func (s *Seeder) Run(ctx context.Context, reset bool) (Summary, error) {
	var sum Summary

	if reset {
		for _, kind := range database.Kinds {
			if err := s.store.Clear(ctx, kind); err != nil {
				return sum, fmt.Errorf("failed to clear %s: %w", kind, err)
			}
		}
		s.logger.Warn("Cleared all records")
	}

	roleConfigs := roles.DefaultRoleConfigs()
	if err := s.store.SeedRoleConfigs(ctx, roleConfigs); err != nil {
		return sum, fmt.Errorf("failed to seed roles: %w", err)
	}
	sum.Roles = len(roleConfigs)

	levels := make(map[models.Role]int, len(roleConfigs))
	for _, rc := range roleConfigs {
		levels[rc.Role] = rc.AccessLevel
	}

	users, err := s.missingUsers(ctx, levels)
	if err != nil {
		return sum, err
	}
	if len(users) > 0 {
		if err := s.store.SeedUsers(ctx, users); err != nil {
			return sum, fmt.Errorf("failed to seed users: %w", err)
		}
	}
	sum.Users = len(users)

	configs, err := s.missingConfigs(ctx)
	if err != nil {
		return sum, err
	}
	if len(configs) > 0 {
		if err := s.store.SeedSystemConfigs(ctx, configs); err != nil {
			return sum, fmt.Errorf("failed to seed system configs: %w", err)
		}
	}
	sum.SystemConfigs = len(configs)

	s.logger.Info("Seed complete",
		zap.Int("roles", sum.Roles),
		zap.Int("users", sum.Users),
		zap.Int("system_configs", sum.SystemConfigs))
	return sum, nil
}

func (s *Seeder) missingUsers(ctx context.Context, levels map[models.Role]int) ([]*models.User, error) {
	now := s.now()

	var users []*models.User
	for _, du := range DemoUsers {
		_, err := s.store.GetUserByUsername(ctx, du.Username)
		if err == nil {
			continue
		}
		if !errors.Is(err, apierr.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up %s: %w", du.Username, err)
		}

		hash, err := s.hasher.HashPassword(DemoPassword)
		if err != nil {
			return nil, err
		}
		users = append(users, &models.User{
			ID:                uuid.NewString(),
			Username:          du.Username,
			PasswordHash:      hash,
			Role:              du.Role,
			Email:             du.Email,
			AccessLevel:       levels[du.Role],
			CreatedAt:         now,
			UpdatedAt:         now,
			PasswordChangedAt: now,
		})
	}
	return users, nil
}

func (s *Seeder) missingConfigs(ctx context.Context) ([]models.SystemConfig, error) {
	var configs []models.SystemConfig
	for _, sc := range DefaultSystemConfigs() {
		_, err := s.store.GetSystemConfig(ctx, sc.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, apierr.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up %s: %w", sc.Key, err)
		}
		configs = append(configs, sc)
	}
	return configs, nil
}
