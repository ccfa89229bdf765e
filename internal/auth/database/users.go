package database

import (
	"context"
	"database/sql"
	"time"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
)

const userColumns = `id, username, password, role, email, access_level, failed_attempts,
    locked_until, last_activity, version, created_at, updated_at, password_changed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user                                   models.User
		lockedUntil, lastActivity              sql.NullInt64
		createdAt, updatedAt, passwordChangeAt int64
	)
	err := row.Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.Email,
		&user.AccessLevel, &user.FailedAttempts, &lockedUntil, &lastActivity,
		&user.Version, &createdAt, &updatedAt, &passwordChangeAt,
	)
	if err != nil {
		return nil, err
	}

	user.LockedUntil = fromNullMillis(lockedUntil)
	user.LastActivity = fromNullMillis(lastActivity)
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	user.PasswordChangedAt = fromMillis(passwordChangeAt)
	return &user, nil
}

// GetUserByID retrieves a user by id.
func (s *SQLiteDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		if notFound(err) {
			return nil, apierr.ErrNotFound
		}
		return nil, apierr.Storage("get user by id", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if err != nil {
		if notFound(err) {
			return nil, apierr.ErrNotFound
		}
		return nil, apierr.Storage("get user by username", err)
	}
	return user, nil
}

// PutUser inserts or replaces a user record and bumps its version.
func (s *SQLiteDB) PutUser(ctx context.Context, user *models.User) error {
	err := putUser(ctx, s.db, user)
	if isUniqueViolation(err) {
		return apierr.ErrUsernameTaken
	}
	return apierr.Storage("put user", err)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putUser(ctx context.Context, db execer, user *models.User) error {
	if user.Version == 0 {
		user.Version = 1
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO users (`+userColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            username = excluded.username,
            password = excluded.password,
            role = excluded.role,
            email = excluded.email,
            access_level = excluded.access_level,
            failed_attempts = excluded.failed_attempts,
            locked_until = excluded.locked_until,
            last_activity = excluded.last_activity,
            version = users.version + 1,
            updated_at = excluded.updated_at,
            password_changed_at = excluded.password_changed_at
    `, user.ID, user.Username, user.PasswordHash, user.Role, user.Email,
		user.AccessLevel, user.FailedAttempts, nullMillis(user.LockedUntil), nullMillis(user.LastActivity),
		user.Version, millis(user.CreatedAt), millis(user.UpdatedAt), millis(user.PasswordChangedAt))
	return err
}

// UpdateUserCAS writes user only if the stored version still equals user.Version.
// On success user.Version is advanced to the stored value.
func (s *SQLiteDB) UpdateUserCAS(ctx context.Context, user *models.User) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE users SET
            username = ?,
            password = ?,
            role = ?,
            email = ?,
            access_level = ?,
            failed_attempts = ?,
            locked_until = ?,
            last_activity = ?,
            version = version + 1,
            updated_at = ?,
            password_changed_at = ?
        WHERE id = ? AND version = ?
    `, user.Username, user.PasswordHash, user.Role, user.Email, user.AccessLevel,
		user.FailedAttempts, nullMillis(user.LockedUntil), nullMillis(user.LastActivity),
		millis(user.UpdatedAt), millis(user.PasswordChangedAt), user.ID, user.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.ErrUsernameTaken
		}
		return apierr.Storage("update user", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return apierr.Storage("update user", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, user.ID).Scan(&exists)
		if notFound(err) {
			return apierr.ErrNotFound
		}
		if err != nil {
			return apierr.Storage("update user", err)
		}
		return apierr.ErrVersionConflict
	}

	user.Version++
	return nil
}

// RecordLoginFailure counts one failed attempt for userID in a single write. A lock
// whose cool-down has passed is cleared and the count starts over; reaching
// maxAttempts locks the account until at+lockFor. An account that is still locked is
// left untouched: recorded is false and the stored user is returned as is.
func (s *SQLiteDB) RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, at time.Time) (user *models.User, recorded bool, err error) {
	now := millis(at)
	row := s.db.QueryRowContext(ctx, `
        UPDATE users SET
            failed_attempts = CASE WHEN locked_until IS NULL THEN failed_attempts + 1 ELSE 1 END,
            locked_until = CASE
                WHEN (CASE WHEN locked_until IS NULL THEN failed_attempts + 1 ELSE 1 END) >= ? THEN ?
                ELSE NULL
            END,
            version = version + 1,
            updated_at = ?
        WHERE id = ? AND (locked_until IS NULL OR locked_until <= ?)
        RETURNING `+userColumns,
		maxAttempts, millis(at.Add(lockFor)), now, userID, now)

	user, err = scanUser(row)
	if err == nil {
		return user, true, nil
	}
	if !notFound(err) {
		return nil, false, apierr.Storage("record login failure", err)
	}

	// Either the user is gone or a concurrent attempt locked the account first.
	user, err = s.GetUserByID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return user, false, nil
}

// ListUsers retrieves every user ordered by username.
func (s *SQLiteDB) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, apierr.Storage("list users", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, apierr.Storage("list users", err)
		}
		users = append(users, user)
	}
	return users, apierr.Storage("list users", rows.Err())
}

// SeedUsers upserts users in a single transaction.
func (s *SQLiteDB) SeedUsers(ctx context.Context, users []*models.User) error {
	err := s.withTx(ctx, "seed users", func(tx *sql.Tx) error {
		for _, u := range users {
			if err := putUser(ctx, tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return apierr.ErrUsernameTaken
	}
	return err
}
