package registry

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found or not joinable")
	ErrDuplicateSpeaker = errors.New("session already has an active speaker connection")
	ErrMissingLanguage  = errors.New("target language required for listeners")
)
