package service

import "errors"

var (
	ErrInvalidRole    = errors.New("message role must be user or assistant")
	ErrEmptyContent   = errors.New("message content is empty")
	ErrAPIKeyRequired = errors.New("api key is required")
)
