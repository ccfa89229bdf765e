// auth/validation/password.go
package validation

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrPasswordTooShort = errors.New("password is too short")
	ErrPasswordTooLong  = errors.New("password is too long")
	ErrMissingUppercase = errors.New("password must contain at least one uppercase letter")
	ErrMissingLowercase = errors.New("password must contain at least one lowercase letter")
	ErrMissingNumber    = errors.New("password must contain at least one number")
	ErrMissingSpecial   = errors.New("password must contain at least one special character")
	ErrContainsUsername = errors.New("password cannot contain the username")
	ErrCommonPassword   = errors.New("password is too common")
	ErrConsecutiveChars = errors.New("password contains consecutive repeated characters")
	ErrSameAsCurrent    = errors.New("new password must differ from the current one")
)

type PasswordPolicy struct {
	MinLength           int      `yaml:"min_length"`
	MaxLength           int      `yaml:"max_length"`
	RequireUppercase    bool     `yaml:"require_uppercase"`
	RequireLowercase    bool     `yaml:"require_lowercase"`
	RequireNumbers      bool     `yaml:"require_number"`
	RequireSpecial      bool     `yaml:"require_special"`
	MaxRepeatingChars   int      `yaml:"max_repeating_chars"`
	PreventUsernamePart bool     `yaml:"prevent_username"`
	PreventReuse        bool     `yaml:"prevent_reuse"` // reject a new password equal to the current one
	CommonPasswords     []string `yaml:"common_passwords"`
}

// DefaultPasswordPolicy returns the till policy: eight characters, one digit.
// Bcrypt ignores input past 72 bytes, hence the upper bound.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:      8,
		MaxLength:      72,
		RequireNumbers: true,
	}
}

type PasswordValidator struct {
	policy PasswordPolicy
	common map[string]bool
}

func NewPasswordValidator(policy PasswordPolicy) *PasswordValidator {
	common := make(map[string]bool, len(policy.CommonPasswords))
	for _, p := range policy.CommonPasswords {
		common[strings.ToLower(p)] = true
	}
	return &PasswordValidator{
		policy: policy,
		common: common,
	}
}

// Policy returns the policy the validator enforces.
func (v *PasswordValidator) Policy() PasswordPolicy {
	return v.policy
}

func (v *PasswordValidator) ValidatePassword(password string, username string) error {
	// Length is counted in runes, the way a cashier types it.
	length := len([]rune(password))
	if length < v.policy.MinLength {
		return ErrPasswordTooShort
	}
	if v.policy.MaxLength > 0 && len(password) > v.policy.MaxLength {
		return ErrPasswordTooLong
	}

	var (
		hasUpper   bool
		hasLower   bool
		hasNumber  bool
		hasSpecial bool
	)

	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	if v.policy.RequireUppercase && !hasUpper {
		return ErrMissingUppercase
	}
	if v.policy.RequireLowercase && !hasLower {
		return ErrMissingLowercase
	}
	if v.policy.RequireNumbers && !hasNumber {
		return ErrMissingNumber
	}
	if v.policy.RequireSpecial && !hasSpecial {
		return ErrMissingSpecial
	}

	if v.policy.MaxRepeatingChars > 0 {
		if err := v.checkRepeatingChars(password); err != nil {
			return err
		}
	}

	if v.policy.PreventUsernamePart && username != "" {
		if err := v.checkUsernameInPassword(password, username); err != nil {
			return err
		}
	}

	if v.common[strings.ToLower(password)] {
		return ErrCommonPassword
	}

	return nil
}

func (v *PasswordValidator) checkRepeatingChars(password string) error {
	var count int
	var lastChar rune

	for i, char := range password {
		if i == 0 {
			lastChar = char
			count = 1
			continue
		}

		if char == lastChar {
			count++
			if count > v.policy.MaxRepeatingChars {
				return ErrConsecutiveChars
			}
		} else {
			lastChar = char
			count = 1
		}
	}
	return nil
}

func (v *PasswordValidator) checkUsernameInPassword(password, username string) error {
	if len(username) < 3 {
		return nil
	}

	if strings.Contains(strings.ToLower(password), strings.ToLower(username)) {
		return ErrContainsUsername
	}

	return nil
}
