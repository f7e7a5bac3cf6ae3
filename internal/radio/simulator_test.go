package radio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimulatorHookID(t *testing.T) {
	assert := require.New(t)

	sim := NewSimulator()

	a, err := sim.HookID(nil)
	assert.NoError(err)
	b, err := sim.HookID(nil)
	assert.NoError(err)
	assert.NotEqual(a, b)
}

func TestSimulatorEnqueue(t *testing.T) {
	assert := require.New(t)

	sim := NewSimulator()
	payload := []byte{1, 2, 3}

	assert.NoError(sim.Enqueue(Task{Hook: 1, Type: TaskTxLoRa}, payload, Params{}))

	// The simulator must hold its own copy of the payload.
	payload[0] = 0xff

	sub, ok := sim.LastSubmission()
	assert.True(ok)
	assert.Equal([]byte{1, 2, 3}, sub.Payload)
	assert.Equal(TaskTxLoRa, sub.Task.Type)
	assert.Len(sim.Submissions(), 1)
}

func TestSimulatorBusy(t *testing.T) {
	assert := require.New(t)

	sim := NewSimulator()
	sim.Busy = true

	err := sim.Enqueue(Task{}, nil, Params{})
	assert.Equal(ErrBusy, err)
	assert.Len(sim.Submissions(), 0)
}

func TestSimulatorCompleteNext(t *testing.T) {
	assert := require.New(t)

	sim := NewSimulator()

	// Nothing pending.
	_, _, ok := sim.CompleteNext(0)
	assert.False(ok)

	// An unscheduled transmit completes immediately with TxDone.
	assert.NoError(sim.Enqueue(Task{Type: TaskTxLoRa}, []byte{1}, Params{}))
	ts, status, ok := sim.CompleteNext(500)
	assert.True(ok)
	assert.EqualValues(500, ts)
	assert.Equal(StatusTxDone, status)

	// A scheduled receive window only expires past its end time.
	assert.NoError(sim.Enqueue(Task{
		Type:        TaskRxLoRa,
		StartTimeMs: 1000,
		Scheduled:   true,
		DurationMs:  50,
	}, nil, Params{}))

	_, _, ok = sim.CompleteNext(1020)
	assert.False(ok)

	ts, status, ok = sim.CompleteNext(1100)
	assert.True(ok)
	assert.EqualValues(1050, ts)
	assert.Equal(StatusRxTimeout, status)

	lastTS, lastStatus := sim.Status(0)
	assert.EqualValues(1050, lastTS)
	assert.Equal(StatusRxTimeout, lastStatus)

	_, _, ok = sim.CompleteNext(2000)
	assert.False(ok)
}

func TestSimulatorComplete(t *testing.T) {
	assert := require.New(t)

	sim := NewSimulator()
	sim.Complete(1234, StatusRxPacket)

	ts, status := sim.Status(0)
	assert.EqualValues(1234, ts)
	assert.Equal(StatusRxPacket, status)

	sim.Reset()
	ts, status = sim.Status(0)
	assert.EqualValues(0, ts)
	assert.Equal(StatusNone, status)
}
