package main

import (
	"errors"

	"mgmtagent/internal/domain"
)

// Exit codes beyond the generic failure.
const (
	exitUnavailable    = 3
	exitAuthentication = 4
	exitNotFound       = 5
)

type exitError struct {
	code    int
	message string
	silent  bool
}

func (e exitError) Error() string {
	return e.message
}

// exitFor maps client errors to distinct exit codes for scripts.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	var exitErr exitError
	if errors.As(err, &exitErr) {
		return err
	}
	code, ok := domain.CodeFrom(err)
	if !ok {
		return err
	}
	switch code {
	case domain.CodeUnavailable:
		return exitError{code: exitUnavailable, message: err.Error()}
	case domain.CodeAuthenticationFailed, domain.CodeMalformedCredentials:
		return exitError{code: exitAuthentication, message: err.Error()}
	case domain.CodeNotFound:
		return exitError{code: exitNotFound, message: err.Error()}
	default:
		return err
	}
}
