package backup

import "errors"

// Sentinel errors surfaced by backup jobs. Wrapped with context where
// they occur; match with errors.Is.
var (
	// ErrCaptureEmpty means a database dump produced zero bytes. The
	// wrapped message carries the dump tool's stderr.
	ErrCaptureEmpty = errors.New("database dump produced no output")

	// ErrCaptureFailed means a dump or tar stream could not be captured.
	ErrCaptureFailed = errors.New("capture failed")

	// ErrStackEmpty means no containers belong to the requested stack.
	ErrStackEmpty = errors.New("no containers found for stack")
)
