package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and the search index
// return these (optionally wrapped) so services can translate them into
// domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: trace does not exist in the store
// - ErrConflict: unique constraint hit (duplicate trace id)
// - ErrUnavailable: backend temporarily unreachable; queries fall back
//
// For validation errors (bad input, missing fields), use pkg/domain-errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
