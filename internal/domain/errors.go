package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Components wrap these so callers can test with errors.Is.
var (
	ErrDataAccess = errors.New("data access error")
	ErrIO         = errors.New("io error")
	ErrArchive    = errors.New("archive error")
	ErrUpload     = errors.New("upload error")

	// ErrRunExists means another run already claimed the same timestamp
	ErrRunExists = errors.New("run with the same timestamp already exists")
)

// StageError records where in the pipeline a run failed
type StageError struct {
	Stage      RunStatus
	Collection string
	Err        error
}

func (e *StageError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Collection, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
