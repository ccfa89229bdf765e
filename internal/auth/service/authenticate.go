package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
	"github.com/victorgomez09/posauth/internal/auth/validation"
)

// AuthenticateUser verifies username and password, applying the lockout policy.
// Expected failures are reported through AuthResult.Err; the returned error is
// reserved for infrastructure failures. Side effects are committed even if ctx is
// cancelled while the call is in flight.
func (s *AuthService) AuthenticateUser(ctx context.Context, username, password string) (*AuthResult, error) {
	ctx = context.WithoutCancel(ctx)

	var result *AuthResult
	err := s.retry(func() error {
		var err error
		result, err = s.authenticateOnce(ctx, username, password)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return result, nil
}

func (s *AuthService) authenticateOnce(ctx context.Context, username, password string) (*AuthResult, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, apierr.ErrNotFound) {
		checkPassword(string(s.dummyHash), password)
		s.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "unknown user"))
		return &AuthResult{Err: apierr.ErrInvalidCredentials}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if user.LockedUntil != nil {
		if now.Before(*user.LockedUntil) {
			remaining := user.LockedUntil.Sub(now)
			s.logger.Warn("Login rejected, account locked",
				zap.String("username", username), zap.Duration("remaining", remaining))
			return &AuthResult{Err: &apierr.LockedOutError{Until: *user.LockedUntil, Remaining: remaining}}, nil
		}
		// The cool-down elapsed: the account starts over with a clean counter.
		user.LockedUntil = nil
		user.FailedAttempts = 0
	}

	if !checkPassword(user.PasswordHash, password) {
		return s.recordFailure(ctx, user)
	}

	if err := s.withAccessLevel(ctx, user); err != nil {
		return nil, err
	}

	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.LastActivity = &now
	user.UpdatedAt = now
	if err := s.store.UpdateUserCAS(ctx, user); err != nil {
		return nil, err
	}

	session, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Login succeeded", zap.String("username", username), zap.String("role", string(user.Role)))
	return &AuthResult{Success: true, User: user.Sanitized(), Session: session}, nil
}

// recordFailure counts the failed attempt in one atomic write, so concurrent failures
// never conflict with each other and none of them is lost.
func (s *AuthService) recordFailure(ctx context.Context, user *models.User) (*AuthResult, error) {
	now := s.now()
	stored, recorded, err := s.store.RecordLoginFailure(ctx, user.ID, s.config.MaxLoginAttempts, s.config.LockDuration, now)
	if err != nil {
		return nil, err
	}

	if stored.LockedUntil != nil && now.Before(*stored.LockedUntil) {
		locked := &apierr.LockedOutError{Until: *stored.LockedUntil, Remaining: stored.LockedUntil.Sub(now)}
		if recorded {
			s.logger.Warn("Account locked after repeated failures",
				zap.String("username", user.Username),
				zap.Int("attempts", stored.FailedAttempts),
				zap.Time("locked_until", locked.Until))
		} else {
			s.logger.Warn("Login rejected, account locked",
				zap.String("username", user.Username), zap.Duration("remaining", locked.Remaining))
		}
		return &AuthResult{Err: locked}, nil
	}

	s.logger.Warn("Login failed",
		zap.String("username", user.Username),
		zap.String("reason", "wrong password"),
		zap.Int("attempts", stored.FailedAttempts))
	return &AuthResult{Err: apierr.ErrInvalidCredentials}, nil
}

// startSession issues a new session for user, superseding the current one.
func (s *AuthService) startSession(ctx context.Context, user *models.User) (*models.Session, error) {
	now := s.now()
	session := &models.Session{
		Token:        uuid.NewString(),
		UserID:       user.ID,
		IssuedAt:     now,
		LastActivity: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if s.observer != nil {
		s.observer.SessionStarted(*session)
	}
	return session, nil
}

// Login is the passwordless demo path. It returns nil without error unless demo mode
// is enabled and username is both allow-listed and provisioned.
func (s *AuthService) Login(ctx context.Context, username string) (*models.User, *models.Session, error) {
	if !s.config.DemoMode || !s.demoUsers[username] {
		return nil, nil, nil
	}
	ctx = context.WithoutCancel(ctx)

	var user *models.User
	err := s.retry(func() error {
		var err error
		user, err = s.store.GetUserByUsername(ctx, username)
		if err != nil {
			return err
		}
		if err := s.withAccessLevel(ctx, user); err != nil {
			return err
		}

		now := s.now()
		user.LastActivity = &now
		user.UpdatedAt = now
		return s.store.UpdateUserCAS(ctx, user)
	})
	if errors.Is(err, apierr.ErrNotFound) {
		return nil, nil, nil
	}
	if errors.Is(err, apierr.ErrUnknownRole) {
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("demo login: %w", err)
	}

	session, err := s.startSession(ctx, user)
	if err != nil {
		return nil, nil, fmt.Errorf("demo login: %w", err)
	}

	s.logger.Info("Demo login", zap.String("username", username))
	return user.Sanitized(), session, nil
}

// ChangePassword replaces the password of userID after checking current and the policy.
// Reusing the current password is allowed unless the policy sets PreventReuse.
// It returns ErrInvalidCredentials or a *ValidationError without mutating anything. On
// success every other session of the user is revoked.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	ctx = context.WithoutCancel(ctx)

	var user *models.User
	err := s.retry(func() error {
		var err error
		user, err = s.store.GetUserByID(ctx, userID)
		if err != nil {
			return err
		}

		if !checkPassword(user.PasswordHash, current) {
			return apierr.ErrInvalidCredentials
		}

		if err := s.validator.ValidatePassword(next, user.Username); err != nil {
			return &apierr.ValidationError{Err: err}
		}
		if s.validator.Policy().PreventReuse && next == current {
			return &apierr.ValidationError{Err: validation.ErrSameAsCurrent}
		}

		hash, err := s.HashPassword(next)
		if err != nil {
			return err
		}

		now := s.now()
		user.PasswordHash = hash
		user.PasswordChangedAt = now
		user.UpdatedAt = now
		if err := s.withAccessLevel(ctx, user); err != nil {
			return err
		}
		return s.store.UpdateUserCAS(ctx, user)
	})
	if err != nil {
		if errors.Is(err, apierr.ErrInvalidCredentials) {
			s.logger.Warn("Password change rejected", zap.String("user_id", userID), zap.String("reason", "wrong current password"))
		}
		return err
	}

	keep := ""
	if session, err := s.store.GetCurrentSession(ctx); err == nil && session.UserID == userID {
		keep = session.Token
	}
	revoked, err := s.store.RevokeUserSessions(ctx, userID, keep, s.now())
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}

	s.logger.Info("Password changed", zap.String("username", user.Username), zap.Int64("revoked_sessions", revoked))
	return nil
}
