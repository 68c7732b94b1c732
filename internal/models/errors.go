package models

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrCharacterNotFound = errors.New("character not found")
	ErrCharacterMismatch = errors.New("character does not belong to room")
	ErrStartSetNotFound  = errors.New("start set not found")
	ErrInvalidChoice     = errors.New("unknown choice")
	ErrInvalidMode       = errors.New("invalid room mode")
	ErrModeTransition    = errors.New("room mode transition not allowed")
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrNotFound          = errors.New("not found")
	ErrInvalidSettings   = errors.New("invalid room settings")
	ErrInvalidReading    = errors.New("invalid reading position")
	ErrTurnConflict      = errors.New("turn index conflict")
)
