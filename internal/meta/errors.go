package meta

import (
	"fmt"

	"github.com/franz/live-indexer/internal/util"
)

// ContentError names the first structurally invalid element of a document
type ContentError struct {
	Element string
	Reason  string
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("malformed content at <%s>: %s", e.Element, e.Reason)
}

func (e *ContentError) Unwrap() error { return util.ErrMalformedContent }

// VersionError reports a document written by a Live release we cannot read
type VersionError struct {
	Raw   string
	Major int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported Live version %d (%q)", e.Major, e.Raw)
}

func (e *VersionError) Unwrap() error { return util.ErrUnsupportedVersion }
