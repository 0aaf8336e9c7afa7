// Package id defines the TypeID-based identity type for registered
// processors. IDs are K-sortable (UUIDv7-based), globally unique, URL-safe
// strings in the format "proc_suffix", and are never reused.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// PrefixProcessor is the TypeID prefix for processor identities.
const PrefixProcessor = "proc"

// ProcessorID identifies one registered compute processor.
type ProcessorID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ProcessorID.
var Nil ProcessorID

// NewProcessorID generates a new globally unique processor ID.
func NewProcessorID() ProcessorID {
	tid, err := typeid.Generate(PrefixProcessor)
	if err != nil {
		// The prefix is a compile-time constant; failure is a programming error.
		panic(fmt.Sprintf("id: generate processor id: %v", err))
	}
	return ProcessorID{inner: tid, valid: true}
}

// ParseProcessorID parses a string (e.g. "proc_01h2xcejqtf2nbrexx3vqjhp41")
// and validates the "proc" prefix.
func ParseProcessorID(s string) (ProcessorID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	if tid.Prefix() != PrefixProcessor {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", PrefixProcessor, tid.Prefix())
	}

	return ProcessorID{inner: tid, valid: true}, nil
}

// String returns the full TypeID string, or "" for the Nil ID.
func (i ProcessorID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// IsNil reports whether this ID is the zero value.
func (i ProcessorID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ProcessorID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ProcessorID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}

	parsed, err := ParseProcessorID(string(data))
	if err != nil {
		return err
	}

	*i = parsed
	return nil
}
