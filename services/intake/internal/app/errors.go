package app

import (
	"errors"

	"balungpisah/pkg/report"
	"balungpisah/services/intake/internal/identity"
)

var (
	ErrInvalidRequest = identity.ErrInvalidRequest
	ErrForbidden      = identity.ErrForbidden
	ErrNotFound       = identity.ErrNotFound

	// ErrUpstream means the model failed before any answer was produced.
	ErrUpstream          = errors.New("assistant unavailable")
	ErrTurnFailed        = errors.New("assistant turn failed")
	ErrInvalidTransition = report.ErrInvalidTransition
)
