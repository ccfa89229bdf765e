package database

import (
	"context"
	"database/sql"
	"encoding/json"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
)

func scanRoleConfig(row rowScanner) (models.RoleConfig, error) {
	var (
		rc    models.RoleConfig
		views string
	)
	if err := row.Scan(&rc.Role, &rc.Label, &rc.Description, &rc.AccessLevel, &views, &rc.Color); err != nil {
		return rc, err
	}
	if err := json.Unmarshal([]byte(views), &rc.Views); err != nil {
		return rc, err
	}
	return rc, nil
}

// GetRoleConfig retrieves a role configuration by role id.
func (s *SQLiteDB) GetRoleConfig(ctx context.Context, role models.Role) (models.RoleConfig, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT role, label, description, access_level, views, color
        FROM role_configs WHERE role = ?
    `, role)
	rc, err := scanRoleConfig(row)
	if err != nil {
		if notFound(err) {
			return rc, apierr.ErrNotFound
		}
		return rc, apierr.Storage("get role config", err)
	}
	return rc, nil
}

// PutRoleConfig inserts or replaces a role configuration.
func (s *SQLiteDB) PutRoleConfig(ctx context.Context, rc models.RoleConfig) error {
	return apierr.Storage("put role config", putRoleConfig(ctx, s.db, rc))
}

func putRoleConfig(ctx context.Context, db execer, rc models.RoleConfig) error {
	views := rc.Views
	if views == nil {
		views = []models.View{}
	}
	data, err := json.Marshal(views)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
        INSERT INTO role_configs (role, label, description, access_level, views, color)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(role) DO UPDATE SET
            label = excluded.label,
            description = excluded.description,
            access_level = excluded.access_level,
            views = excluded.views,
            color = excluded.color
    `, rc.Role, rc.Label, rc.Description, rc.AccessLevel, string(data), rc.Color)
	return err
}

// ListRoleConfigs retrieves every role configuration by ascending access level.
func (s *SQLiteDB) ListRoleConfigs(ctx context.Context) ([]models.RoleConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT role, label, description, access_level, views, color
        FROM role_configs
        ORDER BY access_level ASC, role ASC
    `)
	if err != nil {
		return nil, apierr.Storage("list role configs", err)
	}
	defer rows.Close()

	var configs []models.RoleConfig
	for rows.Next() {
		rc, err := scanRoleConfig(rows)
		if err != nil {
			return nil, apierr.Storage("list role configs", err)
		}
		configs = append(configs, rc)
	}
	return configs, apierr.Storage("list role configs", rows.Err())
}

// SeedRoleConfigs upserts role configurations in a single transaction.
func (s *SQLiteDB) SeedRoleConfigs(ctx context.Context, configs []models.RoleConfig) error {
	return s.withTx(ctx, "seed role configs", func(tx *sql.Tx) error {
		for _, rc := range configs {
			if err := putRoleConfig(ctx, tx, rc); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSystemConfig retrieves a configuration entry by key.
func (s *SQLiteDB) GetSystemConfig(ctx context.Context, key string) (models.SystemConfig, error) {
	var sc models.SystemConfig
	err := s.db.QueryRowContext(ctx, `
        SELECT key, value, category FROM system_configs WHERE key = ?
    `, key).Scan(&sc.Key, &sc.Value, &sc.Category)
	if err != nil {
		if notFound(err) {
			return sc, apierr.ErrNotFound
		}
		return sc, apierr.Storage("get system config", err)
	}
	return sc, nil
}

// PutSystemConfig inserts or replaces a configuration entry.
func (s *SQLiteDB) PutSystemConfig(ctx context.Context, sc models.SystemConfig) error {
	return apierr.Storage("put system config", putSystemConfig(ctx, s.db, sc))
}

func putSystemConfig(ctx context.Context, db execer, sc models.SystemConfig) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO system_configs (key, value, category) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, category = excluded.category
    `, sc.Key, sc.Value, sc.Category)
	return err
}

// ListSystemConfigs retrieves every configuration entry ordered by category and key.
func (s *SQLiteDB) ListSystemConfigs(ctx context.Context) ([]models.SystemConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT key, value, category FROM system_configs ORDER BY category ASC, key ASC
    `)
	if err != nil {
		return nil, apierr.Storage("list system configs", err)
	}
	defer rows.Close()

	var configs []models.SystemConfig
	for rows.Next() {
		var sc models.SystemConfig
		if err := rows.Scan(&sc.Key, &sc.Value, &sc.Category); err != nil {
			return nil, apierr.Storage("list system configs", err)
		}
		configs = append(configs, sc)
	}
	return configs, apierr.Storage("list system configs", rows.Err())
}

// SeedSystemConfigs upserts configuration entries in a single transaction.
func (s *SQLiteDB) SeedSystemConfigs(ctx context.Context, configs []models.SystemConfig) error {
	return s.withTx(ctx, "seed system configs", func(tx *sql.Tx) error {
		for _, sc := range configs {
			if err := putSystemConfig(ctx, tx, sc); err != nil {
				return err
			}
		}
		return nil
	})
}
