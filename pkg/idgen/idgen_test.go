package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSortableID(t *testing.T) {
	a := NewSortableID()
	b := NewSortableID()

	_, err := ulid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "ids generated in sequence must sort in sequence")
}

func TestNewCommandID(t *testing.T) {
	_, err := uuid.Parse(NewCommandID())
	require.NoError(t, err)
}

func TestDeterministicEventID(t *testing.T) {
	first := DeterministicEventID("cmd-1", "booking-1", 3)

	assert.Len(t, first, 32)
	assert.Equal(t, first, DeterministicEventID("cmd-1", "booking-1", 3))
	assert.NotEqual(t, first, DeterministicEventID("cmd-1", "booking-1", 4))
	assert.NotEqual(t, first, DeterministicEventID("cmd-2", "booking-1", 3))
}

func TestDeterministicID(t *testing.T) {
	assert.Equal(t, DeterministicEventID("cmd-1", "booking-1", 3), DeterministicID("cmd-1", "booking-1", "3"))
	assert.NotEqual(t, DeterministicID("a", "b"), DeterministicID("ab"))
}
