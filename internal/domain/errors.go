// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a state conflict (terminal task, duplicate id, stale lease).
var ErrConflict = errors.New("conflict")

// ErrValidation indicates the request payload failed validation.
var ErrValidation = errors.New("validation failed")

// ErrUnavailable indicates a required collaborator is not reachable or not configured.
var ErrUnavailable = errors.New("unavailable")

// ErrUnknownAgent indicates a direct delivery target is not registered.
var ErrUnknownAgent = errors.New("unknown agent")
