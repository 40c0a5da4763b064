package uart

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softgb/greybus"
)

func stateOf(t *testing.T, frame []byte) uint16 {
	t.Helper()
	var hdr greybus.Header
	require.True(t, greybus.ParseHeader(frame, &hdr))
	require.Equal(t, uint8(TypeSerialState), hdr.OperationType())
	payload := frame[greybus.HeaderSize:]
	require.Len(t, payload, serialStateSize)
	assert.Zero(t, payload[0])
	return binary.LittleEndian.Uint16(payload[1:])
}

func TestStatusReporterSendsOnChange(t *testing.T) {
	engine := &fakeEngine{}
	s, err := newStatusReporter(engine, 4)
	require.NoError(t, err)
	s.setInitial(ModemDSR, 0)

	assert.False(t, s.process(), "unchanged state")

	s.onModemStatus(ModemDSR | ModemDCD)
	assert.True(t, s.process())
	assert.False(t, s.process())

	s.onLineStatus(LineOverrun)
	s.onModemStatus(ModemDSR | ModemDCD | ModemCTS) // CTS is not reported
	assert.True(t, s.process())
	assert.False(t, s.process())

	frames := engine.sentFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, StateDSR|StateDCD, stateOf(t, frames[0]))
	assert.Equal(t, StateDSR|StateDCD|StateOverrun, stateOf(t, frames[1]))

	// One operation serves every report.
	assert.Equal(t, 1, engine.created)
	assert.Same(t, engine.sentOps[0], engine.sentOps[1])
	assert.Equal(t, uint64(2), s.reports.Load())

	s.close()
	assert.Zero(t, engine.live())
}

func TestStatusReporterSendError(t *testing.T) {
	engine := &fakeEngine{sendErr: assert.AnError}
	s, err := newStatusReporter(engine, 4)
	require.NoError(t, err)
	s.setInitial(0, 0)

	s.onLineStatus(LineBreak)
	assert.True(t, s.process())
	assert.Equal(t, uint64(1), s.errors.Load())
	assert.Zero(t, s.reports.Load())

	// The failed state is retried on the next wake.
	engine.sendErr = nil
	assert.True(t, s.process())
	assert.False(t, s.process())
	assert.Equal(t, uint64(1), s.reports.Load())

	frames := engine.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, StateBreak, stateOf(t, frames[0]))

	s.close()
}

func TestSerialState(t *testing.T) {
	tests := []struct {
		ms   ModemStatus
		ls   LineStatus
		want uint16
	}{
		{0, 0, 0},
		{ModemDCD, 0, StateDCD},
		{ModemDSR, 0, StateDSR},
		{ModemRI, 0, StateRI},
		{ModemCTS, 0, 0},
		{0, LineBreak, StateBreak},
		{0, LineFraming, StateFraming},
		{0, LineParity, StateParity},
		{0, LineOverrun, StateOverrun},
		{0xFF, 0xFF, StateDCD | StateDSR | StateRI | StateBreak | StateFraming | StateParity | StateOverrun},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SerialState(tt.ms, tt.ls), "ms=%#02x ls=%#02x", tt.ms, tt.ls)
	}
}
