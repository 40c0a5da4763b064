package loopback

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softgb/fabric/mem"
	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// newLoopbackPair registers loopback on both ends of an in-memory link:
// cport 1 on the client core and cport 2 on the server core.
func newLoopbackPair(t *testing.T) (client *Registry, clientCore *greybus.Core) {
	t.Helper()

	f := mem.New()
	require.NoError(t, f.Connect(1, 2))

	clientCore = greybus.NewCore(f, nil)
	serverCore := greybus.NewCore(f, nil)
	t.Cleanup(func() {
		clientCore.Stop()
		serverCore.Stop()
		f.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client = NewRegistry()
	require.NoError(t, client.Register(ctx, clientCore, 1))
	require.NoError(t, NewRegistry().Register(ctx, serverCore, 2))
	return client, clientCore
}

func request(t *testing.T, c *greybus.Core, typ uint8, payload []byte) *greybus.Operation {
	t.Helper()
	op, err := c.NewOperation(1, typ, len(payload))
	require.NoError(t, err)
	copy(op.RequestPayload(), payload)

	done := make(chan *greybus.Operation, 1)
	require.NoError(t, c.SendRequest(op, func(op *greybus.Operation) { done <- op }, true))
	select {
	case op := <-done:
		return op
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}
	return nil
}

func TestServerProtocolVersion(t *testing.T) {
	_, core := newLoopbackPair(t)

	op := request(t, core, TypeProtocolVersion, nil)
	assert.Equal(t, pkg.StatusSuccess, op.Result())
	assert.Equal(t, []byte{VersionMajor, VersionMinor}, op.ResponsePayload())
}

func TestServerHandlers(t *testing.T) {
	_, core := newLoopbackPair(t)

	op := request(t, core, TypePing, nil)
	assert.Equal(t, pkg.StatusSuccess, op.Result())
	assert.Empty(t, op.ResponsePayload())

	sink := []byte{3, 0, 0, 0, 9, 9, 9}
	op = request(t, core, TypeSink, sink)
	assert.Equal(t, pkg.StatusSuccess, op.Result())
	assert.Empty(t, op.ResponsePayload())

	transfer := []byte{3, 0, 0, 0, 7, 8, 9}
	op = request(t, core, TypeTransfer, transfer)
	assert.Equal(t, pkg.StatusSuccess, op.Result())
	assert.Equal(t, transfer, op.ResponsePayload())

	bad := make([]byte, 6)
	binary.LittleEndian.PutUint32(bad, 100)
	assert.Equal(t, pkg.StatusInvalid, request(t, core, TypeTransfer, bad).Result())
	assert.Equal(t, pkg.StatusInvalid, request(t, core, TypeTransfer, []byte{1}).Result())
}

func TestRunTraffic(t *testing.T) {
	client, _ := newLoopbackPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tests := []struct {
		opts Options
	}{
		{Options{Type: TypePing, Count: 5}},
		{Options{Type: TypeTransfer, Size: 32, Count: 10, Window: 4}},
		{Options{Type: TypeSink, Size: 512, Count: 5, Rate: 1000}},
	}
	var total uint64
	for _, tt := range tests {
		require.NoError(t, client.Run(ctx, 1, tt.opts))
		total += uint64(tt.opts.Count)

		s, err := client.Stats(1)
		require.NoError(t, err)
		assert.Equal(t, total, s.Received, "type %#02x", tt.opts.Type)
		assert.Zero(t, s.Errors)
	}

	s, err := client.Stats(1)
	require.NoError(t, err)
	assert.NotZero(t, s.Latency)
	assert.NotZero(t, s.Throughput)
}

func TestRunCancelled(t *testing.T) {
	client, _ := newLoopbackPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.Run(ctx, 1, Options{Type: TypePing}), context.Canceled)
}

func TestRunUntilCancelled(t *testing.T) {
	client, _ := newLoopbackPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := client.Run(ctx, 1, Options{Type: TypeTransfer, Size: 8, Rate: 200})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s, err := client.Stats(1)
	require.NoError(t, err)
	assert.NotZero(t, s.Received)
	assert.Zero(t, s.Errors)
}

func TestRunPeerGone(t *testing.T) {
	client, core := newLoopbackPair(t)
	require.NoError(t, core.Stop())

	err := client.Run(context.Background(), 1, Options{Type: TypePing, Count: 3})
	assert.ErrorIs(t, err, pkg.ErrNotRunning)
}

func TestCollector(t *testing.T) {
	r, engine, _ := newTestRegistry(t, 3, 5)

	require.NoError(t, r.SendRequest(3, 0, TypePing))
	finish(engine.last(t), pkg.StatusSuccess, nil)
	require.NoError(t, r.SendRequest(5, 0, TypePing))
	finish(engine.last(t), pkg.StatusTimeout, nil)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(r)))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 5)

	values := make(map[string]map[string]float64)
	for _, mf := range families {
		values[mf.GetName()] = make(map[string]float64)
		for _, m := range mf.GetMetric() {
			require.Len(t, m.GetLabel(), 1)
			cport := m.GetLabel()[0].GetValue()
			if m.GetCounter() != nil {
				values[mf.GetName()][cport] = m.GetCounter().GetValue()
			} else {
				values[mf.GetName()][cport] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{"3": 1, "5": 0}, values["softgb_loopback_received_total"])
	assert.Equal(t, map[string]float64{"3": 0, "5": 1}, values["softgb_loopback_errors_total"])
	assert.NotZero(t, values["softgb_loopback_latency_seconds"]["3"])
}
