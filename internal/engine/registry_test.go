package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/crossarb/internal/types"
)

func TestRegistry_SecondAcquireRejected(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Acquire("XLM", types.VenueMEXC, types.VenueGate, "c1"))
	assert.ErrorIs(t, r.Acquire("XLM", types.VenueMEXC, types.VenueGate, "c2"), ErrCycleInProgress)

	id, busy := r.InFlight("XLM", types.VenueMEXC, types.VenueGate)
	assert.True(t, busy)
	assert.Equal(t, "c1", id)
}

func TestRegistry_DistinctRoutesIndependent(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Acquire("XLM", types.VenueMEXC, types.VenueGate, "c1"))
	assert.NoError(t, r.Acquire("TRX", types.VenueMEXC, types.VenueGate, "c2"))
	assert.NoError(t, r.Acquire("XLM", types.VenueGate, types.VenueMEXC, "c3"))
}

func TestRegistry_ReleaseFreesRoute(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Acquire("XLM", types.VenueMEXC, types.VenueGate, "c1"))
	r.Release("XLM", types.VenueMEXC, types.VenueGate)

	_, busy := r.InFlight("XLM", types.VenueMEXC, types.VenueGate)
	assert.False(t, busy)
	assert.NoError(t, r.Acquire("XLM", types.VenueMEXC, types.VenueGate, "c2"))
}
