package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RepGraphics/panel-sub000/pkg/types"
)

func TestLogBufferDropsOldestLines(t *testing.T) {
	state := NewState("panel")
	for i := 0; i < LogBufferSize+25; i++ {
		state.AppendConsole(fmt.Sprintf("line %d", i))
	}

	logs := state.Logs()
	require.Len(t, logs, LogBufferSize)
	assert.Equal(t, "line 25", logs[0])
	assert.Equal(t, fmt.Sprintf("line %d", LogBufferSize+24), logs[len(logs)-1])
}

func TestStatsHistoryBounded(t *testing.T) {
	state := NewState("panel")
	for i := 0; i < StatsHistorySize+10; i++ {
		state.PushStats(Stats{MemoryBytes: int64(i)})
	}

	history := state.StatsHistory()
	require.Len(t, history, StatsHistorySize)
	assert.Equal(t, int64(10), history[0].MemoryBytes)
}

func TestEventBufferBounded(t *testing.T) {
	state := NewState("panel")
	for i := 0; i < EventHistorySize+5; i++ {
		state.RecordEvent("status", fmt.Sprintf("%d", i))
	}
	require.Len(t, state.Events(), EventHistorySize)
	assert.Equal(t, "5", state.Events()[0].Detail)
}

func TestConsoleDecoration(t *testing.T) {
	state := NewState("acme")

	tests := []struct {
		in   string
		want string
	}{
		{"[Daemon]: server started", "[acme]: server started"},
		{"[Wings]: pulling image", "[acme]: pulling image"},
		{"container@host~ ls", "container@acme~ ls"},
		{"plain output", "plain output"},
	}
	for _, tt := range tests {
		state.AppendConsole(tt.in)
	}

	logs := state.Logs()
	require.Len(t, logs, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.want, logs[i], "input %q", tt.in)
	}
}

func TestSetPowerStateAppendsTransitionLine(t *testing.T) {
	state := NewState("panel")

	require.True(t, state.SetPowerState(types.PowerStateStarting))
	require.False(t, state.SetPowerState(types.PowerStateStarting))
	require.True(t, state.SetPowerState(types.PowerStateRunning))

	logs := state.Logs()
	require.Len(t, logs, 2)
	assert.Contains(t, logs[0], "starting")
	assert.Contains(t, logs[1], "running")
	assert.Equal(t, types.PowerStateRunning, state.PowerState())
}

func TestSetPowerStateIgnoresEmpty(t *testing.T) {
	state := NewState("panel")
	assert.False(t, state.SetPowerState(""))
	assert.Empty(t, state.Logs())
}
