package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDRoundTrip(t *testing.T) {
	id := NewID()
	require.NotEqual(t, uuid.Nil, id)

	s := IDString(id)
	assert.Len(t, s, 26)

	back, err := ParseID(s)
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

func TestIDsAreOrdered(t *testing.T) {
	// ULIDs generated in sequence sort lexicographically by creation time.
	a := IDString(NewID())
	b := IDString(NewID())
	assert.LessOrEqual(t, a, b)
}

func TestParseIDRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-an-id", "0185a7f0зzz", IDString(NewID()) + "X"} {
		_, err := ParseID(s)
		assert.Error(t, err, s)
	}
}
