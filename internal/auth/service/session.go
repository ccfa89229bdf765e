package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
)

// expired reports whether session can no longer be used at the current time.
func (s *AuthService) expired(session *models.Session) bool {
	return !session.Active() || session.IdleFor(s.now()) > s.config.InactivityTimeout
}

// currentSession returns the persisted current session, or nil when there is none.
func (s *AuthService) currentSession(ctx context.Context) (*models.Session, error) {
	session, err := s.store.GetCurrentSession(ctx)
	if errors.Is(err, apierr.ErrNotFound) {
		return nil, nil
	}
	return session, err
}

// endSession clears the marker while it still points at token and notifies the observer.
func (s *AuthService) endSession(ctx context.Context, token, reason string) error {
	cleared, err := s.store.ClearCurrentSession(ctx, token, s.now())
	if err != nil {
		return err
	}
	if cleared {
		s.logger.Info("Session ended", zap.String("reason", reason))
		if s.observer != nil {
			s.observer.SessionEnded(token)
		}
	}
	return nil
}

// GetCurrentUser returns the owner of the current session, or nil when nobody is
// logged in or the session has expired. An expired session is cleared on read.
func (s *AuthService) GetCurrentUser(ctx context.Context) (*models.User, error) {
	session, err := s.currentSession(ctx)
	if err != nil || session == nil {
		return nil, err
	}

	if s.expired(session) {
		if err := s.endSession(ctx, session.Token, "expired"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if errors.Is(err, apierr.ErrNotFound) {
		return nil, s.endSession(ctx, session.Token, "user removed")
	}
	if err != nil {
		return nil, err
	}

	if err := s.withAccessLevel(ctx, user); err != nil {
		return nil, err
	}
	return user.Sanitized(), nil
}

// State reports where the installation is in the session state machine without changing it.
func (s *AuthService) State(ctx context.Context) (models.SessionState, error) {
	session, err := s.currentSession(ctx)
	if err != nil {
		return models.StateLoggedOut, err
	}
	switch {
	case session == nil:
		return models.StateLoggedOut, nil
	case s.expired(session):
		return models.StateExpired, nil
	default:
		return models.StateLoggedIn, nil
	}
}

// Logout clears the current session. Calling it with nobody logged in is a no-op.
func (s *AuthService) Logout(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	session, err := s.currentSession(ctx)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if session == nil {
		return nil
	}
	if err := s.endSession(ctx, session.Token, "logout"); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ValidateSession returns the owner of token when it is the current, live session.
// It returns ErrInvalidSession for superseded or unknown tokens and ErrSessionExpired
// once the inactivity timeout has passed.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (*models.User, error) {
	session, err := s.currentSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil || session.Token != token {
		return nil, apierr.ErrInvalidSession
	}
	if s.expired(session) {
		if err := s.endSession(ctx, token, "expired"); err != nil {
			return nil, err
		}
		return nil, apierr.ErrSessionExpired
	}

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if errors.Is(err, apierr.ErrNotFound) {
		return nil, apierr.ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	if err := s.withAccessLevel(ctx, user); err != nil {
		return nil, err
	}
	return user.Sanitized(), nil
}

// Touch records an authenticated action on token, pushing back its inactivity deadline.
func (s *AuthService) Touch(ctx context.Context, token string) error {
	if _, err := s.ValidateSession(ctx, token); err != nil {
		return err
	}
	err := s.store.TouchSession(ctx, token, s.now())
	if errors.Is(err, apierr.ErrNotFound) {
		return apierr.ErrInvalidSession
	}
	return err
}
