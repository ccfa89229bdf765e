package models

import (
	"errors"
	"fmt"
	"time"
)

// Role is an opaque role identifier. Its meaning lives entirely in RoleConfig data.
type Role string

// View is an application surface the presentation layer gates by role.
type View string

const (
	ViewPOS       View = "pos"
	ViewInventory View = "inventory"
	ViewAnalytics View = "analytics"
	ViewCustomers View = "customers"
	ViewSettings  View = "settings"
	ViewSupport   View = "support"
	ViewDebug     View = "debug"
)

// AllViews lists every known view in navigation order.
var AllViews = []View{ViewPOS, ViewInventory, ViewAnalytics, ViewCustomers, ViewSettings, ViewSupport, ViewDebug}

// ParseView returns the View named s or an error for unknown names.
func ParseView(s string) (View, error) {
	for _, v := range AllViews {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown view %q", s)
}

const (
	MinAccessLevel = 1
	MaxAccessLevel = 5
)

type User struct {
	ID                string     `json:"id"`
	Username          string     `json:"username"`
	PasswordHash      string     `json:"-"`
	Role              Role       `json:"role"`
	Email             string     `json:"email"`
	AccessLevel       int        `json:"access_level"`
	FailedAttempts    int        `json:"-"`
	LockedUntil       *time.Time `json:"-"`
	LastActivity      *time.Time `json:"last_activity,omitempty"`
	Version           int64      `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	PasswordChangedAt time.Time  `json:"password_changed_at"`
}

// Sanitized returns a copy without credential material or lockout bookkeeping.
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.PasswordHash = ""
	c.FailedAttempts = 0
	c.LockedUntil = nil
	return &c
}

type RoleConfig struct {
	Role        Role   `json:"role" yaml:"role"`
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description" yaml:"description"`
	AccessLevel int    `json:"access_level" yaml:"access_level"`
	Views       []View `json:"views" yaml:"views"`
	Color       string `json:"color,omitempty" yaml:"color"`
}

// Permits reports whether the role may reach view.
func (rc RoleConfig) Permits(view View) bool {
	for _, v := range rc.Views {
		if v == view {
			return true
		}
	}
	return false
}

func (rc RoleConfig) Validate() error {
	if rc.Role == "" {
		return errors.New("role id is required")
	}
	if rc.Label == "" {
		return fmt.Errorf("role %q: label is required", rc.Role)
	}
	if rc.AccessLevel < MinAccessLevel || rc.AccessLevel > MaxAccessLevel {
		return fmt.Errorf("role %q: access level %d out of range [%d,%d]",
			rc.Role, rc.AccessLevel, MinAccessLevel, MaxAccessLevel)
	}
	for _, v := range rc.Views {
		if _, err := ParseView(string(v)); err != nil {
			return fmt.Errorf("role %q: %w", rc.Role, err)
		}
	}
	return nil
}

// Session is the persisted proof of a successful authentication.
type Session struct {
	Token        string     `json:"token"`
	UserID       string     `json:"user_id"`
	IssuedAt     time.Time  `json:"issued_at"`
	LastActivity time.Time  `json:"last_activity"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the session was neither revoked nor expired.
func (s *Session) Active() bool {
	return s.RevokedAt == nil && s.ExpiredAt == nil
}

// IdleFor returns how long the session has been inactive at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

type SystemConfig struct {
	Key      string `json:"key" yaml:"key"`
	Value    string `json:"value" yaml:"value"`
	Category string `json:"category" yaml:"category"`
}

// SessionState is a value of the session state machine.
type SessionState string

const (
	StateLoggedOut SessionState = "logged_out"
	StateLoggedIn  SessionState = "logged_in"
	StateExpired   SessionState = "expired"
)
