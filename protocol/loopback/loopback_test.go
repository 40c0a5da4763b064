package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

type sentRequest struct {
	op *greybus.Operation
	cb greybus.Callback
}

// fakeEngine implements greybus.Engine and holds sent requests until the
// test completes them.
type fakeEngine struct {
	mutex       sync.Mutex
	sent        []sentRequest
	destroyed   int
	registerErr error
	sendErr     error
}

func (e *fakeEngine) RegisterDriver(ctx context.Context, cport uint16, drv *greybus.Driver) error {
	return e.registerErr
}

func (e *fakeEngine) UnregisterDriver(cport uint16) error { return nil }

func (e *fakeEngine) NewOperation(cport uint16, typ uint8, size int) (*greybus.Operation, error) {
	return greybus.NewOperation(cport, typ, size)
}

func (e *fakeEngine) SendRequest(op *greybus.Operation, cb greybus.Callback, needResponse bool) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.sent = append(e.sent, sentRequest{op: op, cb: cb})
	return nil
}

func (e *fakeEngine) Destroy(op *greybus.Operation) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.destroyed++
}

func (e *fakeEngine) last(t *testing.T) sentRequest {
	t.Helper()
	e.mutex.Lock()
	defer e.mutex.Unlock()
	require.NotEmpty(t, e.sent)
	return e.sent[len(e.sent)-1]
}

// finish completes a request as the engine would on response.
func finish(req sentRequest, status pkg.OperationStatus, payload []byte) {
	var frame []byte
	if payload != nil {
		frame = make([]byte, greybus.HeaderSize+len(payload))
		copy(frame[greybus.HeaderSize:], payload)
	}
	req.op.Complete(status, frame, time.Time{})
	req.cb(req.op)
}

func newTestRegistry(t *testing.T, cports ...uint16) (*Registry, *fakeEngine, *clock.Mock) {
	t.Helper()
	r := NewRegistry()
	clk := clock.NewMock()
	r.SetClock(clk)
	engine := &fakeEngine{}
	for _, cport := range cports {
		require.NoError(t, r.Register(context.Background(), engine, cport))
	}
	return r, engine, clk
}

func TestRegister(t *testing.T) {
	r, engine, _ := newTestRegistry(t, 3, 7)

	assert.True(t, r.Valid(3))
	assert.True(t, r.Valid(7))
	assert.False(t, r.Valid(4))
	assert.Equal(t, []uint16{3, 7}, r.CPorts())

	err := r.Register(context.Background(), engine, 3)
	assert.ErrorIs(t, err, pkg.ErrAlreadyRegistered)

	engine.registerErr = pkg.ErrNotRunning
	err = r.Register(context.Background(), engine, 9)
	assert.ErrorIs(t, err, pkg.ErrNotRunning)
	assert.False(t, r.Valid(9))
	assert.Equal(t, []uint16{3, 7}, r.CPorts())
}

func TestUnknownCPort(t *testing.T) {
	r, _, _ := newTestRegistry(t, 3)

	_, err := r.Stats(4)
	assert.ErrorIs(t, err, pkg.ErrInvalidCPort)
	_, err = r.ErrorCount(4)
	assert.ErrorIs(t, err, pkg.ErrInvalidCPort)
	assert.ErrorIs(t, r.Reset(4), pkg.ErrInvalidCPort)
	assert.ErrorIs(t, r.SendRequest(4, 0, TypePing), pkg.ErrInvalidCPort)
	assert.ErrorIs(t, r.Run(context.Background(), 4, Options{Type: TypePing}), pkg.ErrInvalidCPort)
}

func TestSendRequestInvalid(t *testing.T) {
	r, engine, _ := newTestRegistry(t, 3)

	assert.ErrorIs(t, r.SendRequest(3, 0, TypeProtocolVersion), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, r.SendRequest(3, MaxDataSize+1, TypeTransfer), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, r.SendRequest(3, -1, TypeSink), pkg.ErrInvalidParameter)
	assert.Empty(t, engine.sent)
}

func TestSendRequestError(t *testing.T) {
	r, engine, _ := newTestRegistry(t, 3)
	engine.sendErr = pkg.ErrClosed

	assert.ErrorIs(t, r.SendRequest(3, 4, TypeTransfer), pkg.ErrClosed)
	assert.Equal(t, 1, engine.destroyed)

	s, err := r.Stats(3)
	require.NoError(t, err)
	assert.Zero(t, s)
}

func TestRequestEncoding(t *testing.T) {
	r, engine, _ := newTestRegistry(t, 3)

	require.NoError(t, r.SendRequest(3, 100, TypePing))
	ping := engine.last(t).op
	assert.Equal(t, uint8(TypePing), ping.Type())
	assert.Empty(t, ping.RequestPayload())

	require.NoError(t, r.SendRequest(3, 5, TypeSink))
	sink := engine.last(t).op
	assert.Equal(t, []byte{5, 0, 0, 0, 0, 0, 0, 0, 0}, sink.RequestPayload())

	require.NoError(t, r.SendRequest(3, 64, TypeTransfer))
	transfer := engine.last(t).op
	req := transfer.RequestPayload()
	require.Len(t, req, lengthFieldSize+64)
	assert.Equal(t, uint32(64), binary.LittleEndian.Uint32(req))
	assert.NotEqual(t, make([]byte, 64), req[lengthFieldSize:], "transfer data is random")
}

func TestPingCompletion(t *testing.T) {
	r, engine, _ := newTestRegistry(t, 3)

	require.NoError(t, r.SendRequest(3, 0, TypePing))
	finish(engine.last(t), pkg.StatusSuccess, nil)

	s, err := r.Stats(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Received)
	assert.Zero(t, s.Errors)
	assert.NotZero(t, s.Latency)
	assert.NotZero(t, s.Throughput)
	assert.NotZero(t, s.RequestsPerSecond)
	assert.Equal(t, 1, engine.destroyed)

	n, err := r.ErrorCount(3)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, r.Reset(3))
	s, err = r.Stats(3)
	require.NoError(t, err)
	assert.Zero(t, s)
	assert.Equal(t, []uint16{3}, r.CPorts())
}

func TestStatsAverage(t *testing.T) {
	r, engine, clk := newTestRegistry(t, 3)

	const (
		l1 = 10 * time.Millisecond
		l2 = 20 * time.Millisecond
	)

	require.NoError(t, r.SendRequest(3, 0, TypePing))
	clk.Add(l1)
	finish(engine.last(t), pkg.StatusSuccess, nil)

	s, err := r.Stats(3)
	require.NoError(t, err)
	assert.Equal(t, l1/2, s.Latency)
	// A ping counts its header once in each direction.
	assert.InDelta(t, float64(2*greybus.HeaderSize)/l1.Seconds()/2, s.Throughput, 1e-6)
	assert.InDelta(t, 1/l1.Seconds()/2, s.RequestsPerSecond, 1e-6)

	require.NoError(t, r.SendRequest(3, 100, TypeSink))
	clk.Add(l2)
	finish(engine.last(t), pkg.StatusSuccess, nil)

	s, err = r.Stats(3)
	require.NoError(t, err)
	assert.Equal(t, (l1/2+l2)/2, s.Latency)
	assert.Equal(t, uint64(2), s.Received)
	want := (float64(2*greybus.HeaderSize)/l1.Seconds()/2 + 200/l2.Seconds()) / 2
	assert.InDelta(t, want, s.Throughput, 1e-6)
}

func TestFailedCompletion(t *testing.T) {
	r, engine, _ := newTestRegistry(t, 3)

	require.NoError(t, r.SendRequest(3, 8, TypeSink))
	finish(engine.last(t), pkg.StatusTimeout, nil)

	s, err := r.Stats(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Errors)
	assert.Zero(t, s.Received)
	assert.Zero(t, s.Latency)
}

func TestTransferVerification(t *testing.T) {
	r, engine, clk := newTestRegistry(t, 3)

	require.NoError(t, r.SendRequest(3, 16, TypeTransfer))
	req := engine.last(t)
	echo := append([]byte(nil), req.op.RequestPayload()...)
	echo[lengthFieldSize+3] ^= 0xFF
	clk.Add(time.Millisecond)
	finish(req, pkg.StatusSuccess, echo)

	s, err := r.Stats(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Errors)
	assert.Zero(t, s.Received)
	assert.Zero(t, s.Latency)
	assert.Zero(t, s.Throughput)

	// Short echo.
	require.NoError(t, r.SendRequest(3, 16, TypeTransfer))
	req = engine.last(t)
	finish(req, pkg.StatusSuccess, req.op.RequestPayload()[:8])
	n, err := r.ErrorCount(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	require.NoError(t, r.SendRequest(3, 16, TypeTransfer))
	req = engine.last(t)
	clk.Add(time.Millisecond)
	finish(req, pkg.StatusSuccess, append([]byte(nil), req.op.RequestPayload()...))

	s, err = r.Stats(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Received)
	assert.Equal(t, time.Millisecond/2, s.Latency)
}

func TestConcurrentStats(t *testing.T) {
	r, _, _ := newTestRegistry(t, 3)
	inst := r.find(3)

	const (
		rtt     = 3 * time.Millisecond
		size    = 100
		writers = 4
		samples = 200
	)

	// Expected smoothed fields after k identical samples.
	latency := make([]time.Duration, writers*samples+1)
	throughput := make([]float64, writers*samples+1)
	for k := 1; k < len(latency); k++ {
		latency[k] = (latency[k-1] + rtt) / 2
		throughput[k] = (throughput[k-1] + float64(2*size)/rtt.Seconds()) / 2
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < samples; i++ {
				inst.recordSuccess(rtt, size)
			}
		}()
	}

	stop := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		defer close(readerErr)
		for {
			select {
			case <-stop:
				return
			default:
			}
			s, err := r.Stats(3)
			if err != nil {
				readerErr <- err
				return
			}
			if s.Latency != latency[s.Received] || s.Throughput != throughput[s.Received] {
				readerErr <- errors.New("torn statistics snapshot")
				return
			}
		}
	}()

	wg.Wait()
	close(stop)
	assert.NoError(t, <-readerErr)

	s, err := r.Stats(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*samples), s.Received)
}

func TestForEach(t *testing.T) {
	r, _, _ := newTestRegistry(t, 1, 2, 3)

	var seen []uint16
	require.NoError(t, r.ForEach(func(cport uint16) error {
		seen = append(seen, cport)
		_, err := r.Stats(cport)
		return err
	}))
	assert.Equal(t, []uint16{1, 2, 3}, seen)

	stopErr := errors.New("stop")
	seen = nil
	err := r.ForEach(func(cport uint16) error {
		seen = append(seen, cport)
		if cport == 2 {
			return stopErr
		}
		return nil
	})
	assert.ErrorIs(t, err, stopErr)
	assert.Equal(t, []uint16{1, 2}, seen)
}

func TestRunBackpressure(t *testing.T) {
	r, engine, _ := newTestRegistry(t, 3)
	engine.sendErr = fmt.Errorf("cport 3 queue full: %w", pkg.ErrNoMemory)

	require.NoError(t, r.Run(context.Background(), 3, Options{Type: TypeSink, Size: 8, Count: 4}))

	s, err := r.Stats(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s.Errors)
	assert.Zero(t, s.Received)
	assert.Equal(t, 4, engine.destroyed)
}

func TestRunSendErrorStops(t *testing.T) {
	r, engine, _ := newTestRegistry(t, 3)
	engine.sendErr = pkg.ErrClosed

	err := r.Run(context.Background(), 3, Options{Type: TypePing, Count: 4})
	assert.ErrorIs(t, err, pkg.ErrClosed)
	assert.Equal(t, 1, engine.destroyed)

	n, err := r.ErrorCount(3)
	require.NoError(t, err)
	assert.Zero(t, n)
}
