// Package faults defines the error taxonomy shared by the transfer pipeline.
// Every component returns plain (value, error) pairs; wrapping an error in a
// Fault tags it with the stage category the orchestrator and the audit trail
// report on.
package faults

import (
	"errors"
	"fmt"
)

// Category identifies which stage of the pipeline produced a failure.
type Category string

const (
	// Configuration covers missing connection strings, bucket mappings and
	// incomplete vault settings.
	Configuration Category = "CONFIGURATION"
	// Lookup means no call record matched the request.
	Lookup Category = "LOOKUP"
	// KeyResolution means no encryption-key mapping exists for the program.
	KeyResolution Category = "KEY_RESOLUTION"
	// Transfer covers source download and decrypt failures.
	Transfer Category = "TRANSFER"
	// Integrity flags a digest mismatch after upload.
	Integrity Category = "INTEGRITY"
	// Persistence covers database update and audit transaction failures.
	Persistence Category = "PERSISTENCE"
	// Parse marks a malformed queue message. Parse failures are dropped, not
	// audited, because no CallDetailID/AudioFile pair exists to audit against.
	Parse Category = "PARSE"
)

// ErrNotFound reports that a remote resource (secret, blob, row) is absent.
var ErrNotFound = errors.New("not found")

// Fault couples an underlying error with its pipeline category.
type Fault struct {
	Category Category
	Err      error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Category)
	}
	return fmt.Sprintf("%s: %v", f.Category, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a categorized error from a format string.
func New(cat Category, format string, args ...any) error {
	return &Fault{Category: cat, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with cat. A nil err returns nil; an err already carrying a
// category keeps its original one.
func Wrap(cat Category, err error) error {
	if err == nil {
		return nil
	}
	var existing *Fault
	if errors.As(err, &existing) {
		return err
	}
	return &Fault{Category: cat, Err: err}
}

// CategoryOf reports the category attached to err, if any.
func CategoryOf(err error) (Category, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Category, true
	}
	return "", false
}

// Describe renders err the way the audit trail records it: category prefix
// when present, bare error text otherwise.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
