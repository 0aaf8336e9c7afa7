package structures

import "errors"

var (
	// Validation errors.
	ErrInvalidCPUCount = errors.New("structures: invalid quantity of cpu cores")
	ErrNoFilenames     = errors.New("structures: no filenames given")

	// Authentication errors.
	ErrTokenInvalid = errors.New("structures: token invalid")
	ErrTokenExpired = errors.New("structures: token expired")

	// Not found errors.
	ErrProcessorNotFound = errors.New("structures: processor not registered")
	ErrStructureNotFound = errors.New("structures: structure not found")

	// Authorization errors.
	ErrAccessDenied = errors.New("structures: access denied")

	// Claim errors. A claim that raced with a concurrent claim against the
	// same documents fails whole; the caller is expected to retry.
	ErrDistributionInconsistency = errors.New("structures: distribution inconsistency detected")
)
