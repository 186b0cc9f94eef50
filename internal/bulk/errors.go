package bulk

import "errors"

var (
	// ErrStaleDevice indicates the device has not been heard from recently
	ErrStaleDevice = errors.New("device link is stale")

	// ErrUnidentified indicates the device has not identified on its link
	ErrUnidentified = errors.New("device has not identified")

	// ErrEmptyRequest indicates a bulk request with no toggles
	ErrEmptyRequest = errors.New("bulk request has no toggles")
)
