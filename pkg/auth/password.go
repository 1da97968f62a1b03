package auth

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

// MinPasswordLength is the minimum accepted password length.
const MinPasswordLength = 12

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

// ValidatePassword enforces the password policy: at least MinPasswordLength
// characters and at most MaxPasswordBytes bytes, with an upper-case letter,
// a lower-case letter and a digit.
// The returned validation error lists every unmet rule.
func ValidatePassword(password string) error {
	var upper, lower, digit bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			upper = true
		case unicode.IsLower(c):
			lower = true
		case unicode.IsDigit(c):
			digit = true
		}
	}

	var unmet []string
	if len([]rune(password)) < MinPasswordLength {
		unmet = append(unmet, "at least 12 characters")
	}
	if len(password) > MaxPasswordBytes {
		unmet = append(unmet, "at most 72 bytes")
	}
	if !upper {
		unmet = append(unmet, "an upper-case letter")
	}
	if !lower {
		unmet = append(unmet, "a lower-case letter")
	}
	if !digit {
		unmet = append(unmet, "a digit")
	}

	if len(unmet) > 0 {
		return apperr.Validation("password must contain %s", strings.Join(unmet, ", ")).
			WithDetail("unmet", unmet)
	}
	return nil
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares candidate against the user's stored hash in
// constant time. Accounts without a password never verify.
func VerifyPassword(user *User, candidate string) bool {
	if user == nil || user.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(candidate)) == nil
}
