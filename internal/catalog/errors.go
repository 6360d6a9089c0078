package catalog

import "errors"

// Sentinel errors shared across stores and services.
var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunConflict is returned when a context already has a running run.
	// Surfaced to API callers as a conflict, never queued.
	ErrRunConflict = errors.New("context already has a running run")

	// ErrNoCrawler is returned when no crawler is registered for a
	// merchant. This is a deployment gap, not a transient fault; jobs
	// hitting it fail fatally without retry.
	ErrNoCrawler = errors.New("no crawler registered for merchant")
)
