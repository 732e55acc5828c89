package extract

import "errors"

var (
	ErrEmptyConversation = errors.New("conversation has no text")
	ErrNoJSON            = errors.New("no JSON object in extraction answer")
	ErrMalformed         = errors.New("malformed extraction answer")
	ErrGenerate          = errors.New("extraction model call failed")
)
