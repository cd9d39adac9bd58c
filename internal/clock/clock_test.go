package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClock_NewWithFunc_UsesSuppliedSource(t *testing.T) {
	fixed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewWithFunc(func() time.Time { return fixed })
	require.Equal(t, fixed, c.Now())
}

func TestJobIDAllocator_AllocIsMonotonicUntilWrap(t *testing.T) {
	a := NewJobIDAllocator(1, 3)

	id1, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, uint32(1), id1)

	id2, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, uint32(2), id2)

	id3, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, uint32(3), id3)

	a.Release(id1)
	id4, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, uint32(1), id4, "wraps and reuses the released id")
}

func TestJobIDAllocator_ExhaustionReturnsFalse(t *testing.T) {
	a := NewJobIDAllocator(1, 2)
	_, ok := a.Alloc()
	require.True(t, ok)
	_, ok = a.Alloc()
	require.True(t, ok)

	_, ok = a.Alloc()
	require.False(t, ok, "both ids are taken, the space is exhausted")
}

func TestJobIDAllocator_ReserveBlocksThatID(t *testing.T) {
	a := NewJobIDAllocator(1, 3)
	a.Reserve(1)

	id, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, uint32(2), id, "id 1 was reserved by a restored snapshot")
}

func TestStepIDAllocator_StartsAtZeroAndIncrements(t *testing.T) {
	a := NewStepIDAllocator()
	require.Equal(t, uint32(0), a.Alloc())
	require.Equal(t, uint32(1), a.Alloc())
}

func TestStepIDAllocator_SetFloorRaisesNext(t *testing.T) {
	a := NewStepIDAllocator()
	a.SetFloor(10)
	require.Equal(t, uint32(11), a.Alloc())
}

func TestStepIDAllocator_SetFloorNeverLowersNext(t *testing.T) {
	a := NewStepIDAllocator()
	a.Alloc()
	a.Alloc()
	a.SetFloor(0)
	require.Equal(t, uint32(2), a.Alloc())
}
