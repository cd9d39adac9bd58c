package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecord_AccumulatesCountAndLatencyPerTypeAndUser(t *testing.T) {
	tbl := New()
	tbl.Record(1001, 42, 10*time.Millisecond)
	tbl.Record(1001, 42, 20*time.Millisecond)
	tbl.Record(2001, 7, 5*time.Millisecond)

	byType, byUser := tbl.Dump()
	require.Len(t, byType, 2)
	require.Len(t, byUser, 2)

	for _, row := range byType {
		if row.MsgType == 1001 {
			require.Equal(t, uint64(2), row.Count)
			require.Equal(t, (30 * time.Millisecond).Nanoseconds(), row.CumulativeNS)
		}
	}
}

func TestRecord_DropsSilentlyWhenTypeTableFull(t *testing.T) {
	tbl := New()
	for i := 0; i < TypeTableCapacity; i++ {
		tbl.Record(uint16(i), 0, time.Millisecond)
	}
	// Every slot is occupied by a distinct msgType; one more distinct type
	// cannot find a home and must be dropped without panicking or blocking.
	tbl.Record(uint16(TypeTableCapacity), 0, time.Millisecond)

	byType, _ := tbl.Dump()
	require.Len(t, byType, TypeTableCapacity)
}

func TestReset_ClearsBothTables(t *testing.T) {
	tbl := New()
	tbl.Record(1, 1, time.Millisecond)
	tbl.Reset()

	byType, byUser := tbl.Dump()
	require.Empty(t, byType)
	require.Empty(t, byUser)
}
