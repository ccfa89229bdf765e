package database

import (
	"context"
	"database/sql"
	"time"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
)

const sessionColumns = `s.token, s.user_id, s.issued_at, s.last_activity, s.expired_at, s.revoked_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session              models.Session
		issuedAt, lastActive int64
		expiredAt, revokedAt sql.NullInt64
	)
	err := row.Scan(&session.Token, &session.UserID, &issuedAt, &lastActive, &expiredAt, &revokedAt)
	if err != nil {
		return nil, err
	}

	session.IssuedAt = fromMillis(issuedAt)
	session.LastActivity = fromMillis(lastActive)
	session.ExpiredAt = fromNullMillis(expiredAt)
	session.RevokedAt = fromNullMillis(revokedAt)
	return &session, nil
}

// CreateSession stores session and makes it the current session marker.
// The previously current session, if any, is revoked in the same transaction.
func (s *SQLiteDB) CreateSession(ctx context.Context, session *models.Session) error {
	return s.withTx(ctx, "create session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
            UPDATE sessions SET revoked_at = ?
            WHERE revoked_at IS NULL
            AND token = (SELECT token FROM current_session WHERE id = 1)
        `, millis(session.IssuedAt)); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
            INSERT INTO sessions (token, user_id, issued_at, last_activity)
            VALUES (?, ?, ?, ?)
        `, session.Token, session.UserID, millis(session.IssuedAt), millis(session.LastActivity)); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
            INSERT INTO current_session (id, token) VALUES (1, ?)
            ON CONFLICT(id) DO UPDATE SET token = excluded.token
        `, session.Token)
		return err
	})
}

// GetCurrentSession retrieves the session the current marker points at.
func (s *SQLiteDB) GetCurrentSession(ctx context.Context) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+sessionColumns+`
        FROM current_session c JOIN sessions s ON s.token = c.token
        WHERE c.id = 1
    `)
	session, err := scanSession(row)
	if err != nil {
		if notFound(err) {
			return nil, apierr.ErrNotFound
		}
		return nil, apierr.Storage("get current session", err)
	}
	return session, nil
}

// GetSession retrieves a session by token, current or not.
func (s *SQLiteDB) GetSession(ctx context.Context, token string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.token = ?`, token)
	session, err := scanSession(row)
	if err != nil {
		if notFound(err) {
			return nil, apierr.ErrNotFound
		}
		return nil, apierr.Storage("get session", err)
	}
	return session, nil
}

// TouchSession records activity on the current session and its owner. It returns
// ErrNotFound when token is no longer the current, live session.
func (s *SQLiteDB) TouchSession(ctx context.Context, token string, at time.Time) error {
	return s.withTx(ctx, "touch session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE sessions SET last_activity = ?
            WHERE token = ?
            AND expired_at IS NULL
            AND revoked_at IS NULL
            AND token = (SELECT token FROM current_session WHERE id = 1)
        `, millis(at), token)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apierr.ErrNotFound
		}

		_, err = tx.ExecContext(ctx, `
            UPDATE users SET last_activity = ?, version = version + 1
            WHERE id = (SELECT user_id FROM sessions WHERE token = ?)
        `, millis(at), token)
		return err
	})
}

// ExpireSession marks token expired at the given time, provided it is still the current
// session and its last activity is before idleBefore. It reports whether the session was expired;
// a session superseded or touched in the meantime is left alone.
func (s *SQLiteDB) ExpireSession(ctx context.Context, token string, idleBefore, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sessions SET expired_at = ?
        WHERE token = ?
        AND expired_at IS NULL
        AND revoked_at IS NULL
        AND last_activity < ?
        AND token = (SELECT token FROM current_session WHERE id = 1)
    `, millis(at), token, millis(idleBefore))
	if err != nil {
		return false, apierr.Storage("expire session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierr.Storage("expire session", err)
	}
	return n > 0, nil
}

// ClearCurrentSession revokes the current session and removes the marker. With a non-empty
// token the marker is only cleared while it still points at that token. It reports whether
// a marker was removed.
func (s *SQLiteDB) ClearCurrentSession(ctx context.Context, token string, at time.Time) (bool, error) {
	var cleared bool
	err := s.withTx(ctx, "clear current session", func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT token FROM current_session WHERE id = 1`).Scan(&current)
		if notFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if token != "" && token != current {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
            UPDATE sessions SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL
        `, millis(at), current); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM current_session WHERE id = 1`); err != nil {
			return err
		}
		cleared = true
		return nil
	})
	return cleared, err
}

// RevokeUserSessions revokes every live session of userID except exceptToken and drops the
// current marker if it pointed at one of them. It returns the number of revoked sessions.
func (s *SQLiteDB) RevokeUserSessions(ctx context.Context, userID, exceptToken string, at time.Time) (int64, error) {
	var revoked int64
	err := s.withTx(ctx, "revoke user sessions", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE sessions SET revoked_at = ?
            WHERE user_id = ? AND token <> ? AND revoked_at IS NULL
        `, millis(at), userID, exceptToken)
		if err != nil {
			return err
		}
		if revoked, err = res.RowsAffected(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
            DELETE FROM current_session
            WHERE token IN (SELECT token FROM sessions WHERE revoked_at IS NOT NULL)
        `)
		return err
	})
	return revoked, err
}

// DeleteStaleSessions removes revoked or expired sessions older than before that are not current.
func (s *SQLiteDB) DeleteStaleSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM sessions
        WHERE (revoked_at IS NOT NULL OR expired_at IS NOT NULL)
        AND last_activity < ?
        AND token NOT IN (SELECT token FROM current_session)
    `, millis(before))
	if err != nil {
		return 0, apierr.Storage("delete stale sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierr.Storage("delete stale sessions", err)
	}
	return n, nil
}

// ListUserSessions retrieves every session of a user, most recently active first.
func (s *SQLiteDB) ListUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+sessionColumns+` FROM sessions s
        WHERE s.user_id = ?
        ORDER BY s.last_activity DESC
    `, userID)
	if err != nil {
		return nil, apierr.Storage("list user sessions", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, apierr.Storage("list user sessions", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, apierr.Storage("list user sessions", rows.Err())
}
