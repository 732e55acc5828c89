package store

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrNotUserTurn  = errors.New("message is not a user message")
	ErrWrongThread  = errors.New("message belongs to another thread")
	ErrLeaseLost    = errors.New("job lease lost")
	ErrInvalidBlock = errors.New("invalid block set")
	ErrJobNotFailed = errors.New("job is not failed")
)
