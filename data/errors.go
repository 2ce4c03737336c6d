package data

import "errors"

// Standard errors shared by the index core and its storage primitives.
// The routing layer classifies results with errors.Is against these values.
var (
	// Lookup / visibility errors. NotFound deliberately covers both "does not
	// exist" and "exists but the caller may not see it", so probing for a
	// drive never leaks its existence.
	ErrNotFound   = errors.New("forestfs: not found")
	ErrPermission = errors.New("forestfs: permission denied")
	ErrMoved      = errors.New("forestfs: directory moved to another drive")

	// Naming and type errors
	ErrConflict    = errors.New("forestfs: name conflict")
	ErrNotFile     = errors.New("forestfs: not a file")
	ErrIsDirectory = errors.New("forestfs: is a directory")

	// Append protocol errors
	ErrMisaligned   = errors.New("forestfs: file size not aligned")
	ErrHashMismatch = errors.New("forestfs: hash mismatch")
	ErrRace         = errors.New("forestfs: target modified concurrently")

	// Input errors
	ErrInvalid = errors.New("forestfs: invalid argument")
)
