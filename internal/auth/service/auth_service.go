package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
	"github.com/victorgomez09/posauth/internal/auth/validation"
)

// Store is the part of the credential store the authentication service depends on.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	PutUser(ctx context.Context, user *models.User) error
	UpdateUserCAS(ctx context.Context, user *models.User) error
	RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, at time.Time) (*models.User, bool, error)

	CreateSession(ctx context.Context, session *models.Session) error
	GetCurrentSession(ctx context.Context) (*models.Session, error)
	TouchSession(ctx context.Context, token string, at time.Time) error
	ClearCurrentSession(ctx context.Context, token string, at time.Time) (bool, error)
	RevokeUserSessions(ctx context.Context, userID, exceptToken string, at time.Time) (int64, error)
	DeleteStaleSessions(ctx context.Context, before time.Time) (int64, error)
}

// RoleSource resolves role ids to their configuration.
type RoleSource interface {
	Get(ctx context.Context, role models.Role) (models.RoleConfig, error)
}

// SessionObserver is told when the current session starts and ends.
type SessionObserver interface {
	SessionStarted(session models.Session)
	SessionEnded(token string)
}

// AuthConfig holds the configuration settings for the authentication service.
type AuthConfig struct {
	MaxLoginAttempts       int                       // Failed attempts that trigger a lockout.
	LockDuration           time.Duration             // Cool-down applied once MaxLoginAttempts is reached.
	InactivityTimeout      time.Duration             // Idle time after which a session is expired.
	HashCost               int                       // bcrypt cost for new password hashes.
	DemoMode               bool                      // Enables the passwordless Login path.
	DemoUsers              []string                  // Usernames allowed on the passwordless path.
	PasswordPolicy         validation.PasswordPolicy // Policy applied to new passwords.
	SessionCleanupInterval time.Duration             // How often stale sessions are purged; zero disables.
	SessionRetention       time.Duration             // Age after which revoked or expired sessions are purged.
	MaxUpdateRetries       int                       // Compare-and-swap attempts before giving up.
	Now                    func() time.Time          // Clock; defaults to time.Now.
}

// DefaultAuthConfig returns the lockout and session settings of a till installation.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		MaxLoginAttempts:       3,
		LockDuration:           5 * time.Minute,
		InactivityTimeout:      8 * time.Hour,
		HashCost:               bcrypt.DefaultCost,
		PasswordPolicy:         validation.DefaultPasswordPolicy(),
		SessionCleanupInterval: time.Hour,
		SessionRetention:       30 * 24 * time.Hour,
		MaxUpdateRetries:       5,
	}
}

// AuthResult carries the outcome of an authentication attempt. Err is set for
// expected failures: ErrInvalidCredentials or a *LockedOutError.
type AuthResult struct {
	Success bool
	User    *models.User
	Session *models.Session
	Err     error
}

// RetryAfter returns the remaining cool-down when the attempt hit a lockout.
func (r *AuthResult) RetryAfter() time.Duration {
	var locked *apierr.LockedOutError
	if errors.As(r.Err, &locked) {
		return locked.Remaining
	}
	return 0
}

// AuthService verifies credentials, enforces lockout and owns the installation's session.
type AuthService struct {
	store     Store
	roles     RoleSource
	config    AuthConfig
	validator *validation.PasswordValidator
	logger    *zap.Logger
	observer  SessionObserver
	demoUsers map[string]bool
	dummyHash []byte
	done      chan struct{}
}

// NewAuthService initializes the service and, when configured, starts the session cleanup routine.
func NewAuthService(store Store, roles RoleSource, config AuthConfig, logger *zap.Logger) *AuthService {
	defaults := DefaultAuthConfig()
	if config.MaxLoginAttempts <= 0 {
		config.MaxLoginAttempts = defaults.MaxLoginAttempts
	}
	if config.LockDuration <= 0 {
		config.LockDuration = defaults.LockDuration
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = defaults.InactivityTimeout
	}
	if config.HashCost == 0 {
		config.HashCost = defaults.HashCost
	}
	if config.PasswordPolicy.MinLength == 0 {
		config.PasswordPolicy = defaults.PasswordPolicy
	}
	if config.SessionRetention <= 0 {
		config.SessionRetention = defaults.SessionRetention
	}
	if config.MaxUpdateRetries <= 0 {
		config.MaxUpdateRetries = defaults.MaxUpdateRetries
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	demoUsers := make(map[string]bool, len(config.DemoUsers))
	for _, u := range config.DemoUsers {
		demoUsers[u] = true
	}

	// Compared against when the username is unknown so both paths cost one bcrypt check.
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("posauth-unknown-user"), config.HashCost)
	if err != nil {
		logger.Warn("Failed to prepare dummy hash", zap.Error(err))
	}

	s := &AuthService{
		store:     store,
		roles:     roles,
		config:    config,
		validator: validation.NewPasswordValidator(config.PasswordPolicy),
		logger:    logger,
		demoUsers: demoUsers,
		dummyHash: dummyHash,
		done:      make(chan struct{}),
	}

	if config.SessionCleanupInterval > 0 {
		go s.sessionCleanupRoutine()
	}

	return s
}

func (s *AuthService) GetConfig() AuthConfig {
	return s.config
}

// SetSessionObserver registers the observer notified on session start and end.
// It must be called before the service is shared.
func (s *AuthService) SetSessionObserver(o SessionObserver) {
	s.observer = o
}

func (s *AuthService) Close() {
	close(s.done)
}

func (s *AuthService) now() time.Time {
	return s.config.Now()
}

// sessionCleanupRoutine periodically purges revoked and expired sessions.
func (s *AuthService) sessionCleanupRoutine() {
	ticker := time.NewTicker(s.config.SessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.store.DeleteStaleSessions(context.Background(), s.now().Add(-s.config.SessionRetention))
			if err != nil {
				s.logger.Error("Failed to clean up sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("Stale sessions removed", zap.Int64("count", n))
			}
		case <-s.done:
			return
		}
	}
}

// HashPassword returns the bcrypt hash of password at the configured cost.
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.HashCost)
	return string(hash), err
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// withAccessLevel sets user.AccessLevel from the user's role configuration.
func (s *AuthService) withAccessLevel(ctx context.Context, user *models.User) error {
	rc, err := s.roles.Get(ctx, user.Role)
	if err != nil {
		return fmt.Errorf("user %q: %w", user.Username, err)
	}
	user.AccessLevel = rc.AccessLevel
	return nil
}

// retry runs fn until it stops failing with a version conflict or the retry budget is spent.
func (s *AuthService) retry(fn func() error) error {
	var err error
	for i := 0; i < s.config.MaxUpdateRetries; i++ {
		if err = fn(); !errors.Is(err, apierr.ErrVersionConflict) {
			return err
		}
	}
	return err
}

// CreateUser provisions a user after validating the password policy and the role.
func (s *AuthService) CreateUser(ctx context.Context, username, password, email string, role models.Role) (*models.User, error) {
	if username == "" {
		return nil, &apierr.ValidationError{Err: errors.New("username is required")}
	}

	_, err := s.store.GetUserByUsername(ctx, username)
	if err == nil {
		return nil, apierr.ErrUsernameTaken
	}
	if !errors.Is(err, apierr.ErrNotFound) {
		return nil, fmt.Errorf("error checking username: %w", err)
	}

	if err := s.validator.ValidatePassword(password, username); err != nil {
		return nil, &apierr.ValidationError{Err: err}
	}

	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &models.User{
		ID:                uuid.NewString(),
		Username:          username,
		PasswordHash:      hash,
		Role:              role,
		Email:             email,
		CreatedAt:         now,
		UpdatedAt:         now,
		PasswordChangedAt: now,
	}
	if err := s.withAccessLevel(ctx, user); err != nil {
		return nil, err
	}

	if err := s.store.PutUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("User created", zap.String("username", username), zap.String("role", string(role)))
	return user.Sanitized(), nil
}
