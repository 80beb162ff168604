package codeset

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCodeSet   = errors.New("unknown code set")
	ErrMalformedCodeSet = errors.New("malformed code set")
)

// UnknownCodeSetError is returned when a set name is not registered for the
// active version.
type UnknownCodeSetError struct {
	Name    string
	Version string
}

func (e *UnknownCodeSetError) Error() string {
	return fmt.Sprintf("unknown code set %q (version %s)", e.Name, e.Version)
}

func (e *UnknownCodeSetError) Unwrap() error { return ErrUnknownCodeSet }

// MalformedCodeSetError identifies the offending source entry.
type MalformedCodeSetError struct {
	Set    string
	Index  int
	Entry  string
	Reason string
}

func (e *MalformedCodeSetError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed code set %q: %s", e.Set, e.Reason)
	}
	return fmt.Sprintf("malformed code set %q: entry %d (%q): %s", e.Set, e.Index, e.Entry, e.Reason)
}

func (e *MalformedCodeSetError) Unwrap() error { return ErrMalformedCodeSet }
