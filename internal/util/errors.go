package util

import "errors"

// Sentinel errors for common failure modes
var (
	// ErrCorruptContainer indicates the compression header of a project file is invalid
	ErrCorruptContainer = errors.New("corrupt container")

	// ErrTruncatedData indicates the compressed stream ended before the document did
	ErrTruncatedData = errors.New("truncated data")

	// ErrMalformedContent indicates mandatory document structure is missing or invalid
	ErrMalformedContent = errors.New("malformed content")

	// ErrUnsupportedVersion indicates a file declares a format version we cannot read
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ErrStorage indicates a storage transaction could not commit
	ErrStorage = errors.New("storage failure")

	// ErrScanInProgress indicates a scan was requested while another is running
	ErrScanInProgress = errors.New("scan already in progress")

	// ErrQuerySyntax indicates a search query failed to parse
	ErrQuerySyntax = errors.New("query syntax error")

	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
