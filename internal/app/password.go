package app

import (
	"errors"
	"fmt"

	"personfinder/pkg/auth"
)

func validatePassword(password string) error {
	if err := auth.ValidatePassword(password); err != nil {
		if errors.Is(err, auth.ErrPasswordTooShort) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return err
	}
	return nil
}

func hashPassword(password string) (string, error) {
	return auth.HashPassword(password)
}

func checkPassword(password, stored string) bool {
	return auth.CheckPassword(password, stored)
}
