package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDs are ULIDs stored in UUID columns: the same 16 bytes, two encodings.
// The database and Go structs carry uuid.UUID; everything user-facing
// (URLs, API payloads, SSE events) uses the Crockford base32 ULID form.

// NewID generates a fresh monotonic-ish ULID as a uuid.UUID.
func NewID() uuid.UUID {
	return uuid.UUID(ulid.Make())
}

// IDString renders an internal UUID in its external ULID form.
func IDString(id uuid.UUID) string {
	return ulid.ULID(id).String()
}

// ParseID parses an external ULID string back into the internal UUID.
func ParseID(s string) (uuid.UUID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse id %q: %w", s, err)
	}
	return uuid.UUID(u), nil
}
