package domain

import "errors"

// Error taxonomy shared across the pipeline. Upstream failures wrap
// ErrUpstream so callers can tell transient service trouble apart from
// missing or malformed data.
var (
	ErrAuthRequired = errors.New("authentication required")
	ErrNotFound     = errors.New("not found")
	ErrParse        = errors.New("document could not be parsed")
	ErrUpstream     = errors.New("upstream service failure")
)
