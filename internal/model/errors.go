package model

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrNoData            = errors.New("no data from any source")
	ErrInvalidTransition = errors.New("invalid sync status transition")
	// ErrBackendIDConflict is returned when a sync result carries a backend id
	// different from the one already recorded for the entity.
	ErrBackendIDConflict = errors.New("backend id already assigned")
)
