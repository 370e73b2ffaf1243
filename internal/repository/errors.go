package repository

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSettingsNotFound = errors.New("ai settings not found")
)
