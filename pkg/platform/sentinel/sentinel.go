package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into coded domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrDuplicate: a uniqueness constraint (e.g. gateway reference) was hit
// - ErrConflict: optimistic version check failed; caller should re-read
// - ErrInvalidState: entity in wrong state for the requested operation
// - ErrUnavailable: external service or resource temporarily unavailable
//
// For validation errors (bad amounts, out-of-order milestones), use
// pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
