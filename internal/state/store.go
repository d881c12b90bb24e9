package state

import (
	"context"
	"fmt"
)

// StaleWriteError reports that a conditional write lost the race: the
// stored serial advanced past the serial the caller read. The caller
// must re-read and re-plan.
type StaleWriteError struct {
	Expected uint64
	Actual   uint64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale state write: expected serial %d, store is at %d", e.Expected, e.Actual)
}

// Store is durable, versioned storage for the state document.
//
// Read never mutates. WriteIfSerialMatches is the only way state
// changes: it succeeds only when the stored serial still equals
// expectedSerial, writes the document with serial expectedSerial+1 as a
// new immutable version, and returns the new serial. A lost race returns
// *StaleWriteError and leaves the stored state untouched.
type Store interface {
	Read(ctx context.Context) (*Document, error)
	WriteIfSerialMatches(ctx context.Context, doc *Document, expectedSerial uint64) (uint64, error)
}
