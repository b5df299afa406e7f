package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// dummyHash is compared against when the e-mail is unknown so a miss costs the
// same as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("recoverdesk-timing-equalizer"), bcrypt.DefaultCost)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func validateNewPassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(password) > 72 {
		return fmt.Errorf("%w: password must be at most 72 bytes", ErrInvalidInput)
	}
	return nil
}
