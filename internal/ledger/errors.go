package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCollection is returned for a collection name that is not one
	// of Collections.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrRecordNotFound is returned when a record id is absent from its
	// collection.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned for a record without a usable id.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrNoCredential is returned by SessionID when no credential is stored.
	ErrNoCredential = errors.New("no credential stored")
)

// UnknownCollectionError names the rejected collection. It matches
// ErrUnknownCollection with errors.Is.
type UnknownCollectionError struct {
	Name string
}

func (e *UnknownCollectionError) Error() string {
	return fmt.Sprintf("unknown collection %q", e.Name)
}

func (e *UnknownCollectionError) Is(target error) bool {
	return target == ErrUnknownCollection
}
