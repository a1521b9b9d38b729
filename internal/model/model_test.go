package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to SyncStatus
		ok       bool
	}{
		{StatusPending, StatusSyncing, true},
		{StatusSyncing, StatusSynced, true},
		{StatusSyncing, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusSynced, StatusPending, true},
		{StatusPending, StatusPending, true},
		{StatusSynced, StatusFailed, false},
		{StatusSynced, StatusSyncing, false},
		{StatusPending, StatusSynced, false},
		{StatusFailed, StatusSynced, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}

	err := CheckTransition("e1", StatusSynced, StatusFailed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "e1", te.LocalID)
}

func TestDay_UsesLocalBoundaries(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 02:30 UTC on Jan 2 is still Jan 1 in New York.
	instant := time.Date(2024, 1, 2, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-01", DayOf(instant, ny).String())
	assert.Equal(t, "2024-01-02", DayOf(instant, time.UTC).String())

	d := Day{Year: 2024, Month: time.January, Day: 1}
	assert.True(t, d.Contains(instant, ny))
	assert.False(t, d.Contains(instant, time.UTC))
	assert.Equal(t, d.Start(ny).Add(24*time.Hour), d.End(ny))
}

func TestDay_AddDaysAndParse(t *testing.T) {
	d, err := ParseDay("2024-02-28")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", d.AddDays(1).String())
	assert.Equal(t, "2024-03-01", d.AddDays(2).String())
	assert.True(t, d.Before(d.AddDays(1)))

	_, err = ParseDay("28/02/2024")
	assert.Error(t, err)
}

func TestEntity_CloneIsDeep(t *testing.T) {
	e := &Entity{LocalID: "a", Stages: []Stage{{Kind: StageCore}}}
	c := e.Clone()
	c.Stages[0].Kind = StageDeep
	assert.Equal(t, StageCore, e.Stages[0].Kind)
	assert.Nil(t, (*Entity)(nil).Clone())
}

func TestLoadLocation_FallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, LoadLocation(""))
	assert.Equal(t, time.UTC, LoadLocation("Not/AZone"))
}
