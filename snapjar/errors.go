package snapjar

import "errors"

var (
	// errClosed is returned by an operation against a column or jar that
	// has already been closed.
	errClosed = errors.New("snapjar: closed")

	// errOutOfBounds is returned when the requested row is not contained
	// within the column.
	errOutOfBounds = errors.New("snapjar: out of bounds")

	// ErrFiltersNotLoaded names the condition of a jar having no hash
	// filter loaded. ContainsHash does not return it; it reports that
	// condition as ok == false.
	ErrFiltersNotLoaded = errors.New("snapjar: hash filter not loaded")
)
