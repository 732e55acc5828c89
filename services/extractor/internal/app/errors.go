package app

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrJobNotFailed   = errors.New("only failed jobs can be retried")
)
