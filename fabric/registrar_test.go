package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ardnew/softgb/pkg"
)

// fakeTransport implements Transport for testing.
type fakeTransport struct {
	mutex     sync.Mutex
	initErr   error
	failFirst int
	attempts  map[uint16]int
	handlers  map[uint16]RxHandler
	unpaused  map[uint16]int
	sent      [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		attempts: make(map[uint16]int),
		handlers: make(map[uint16]RxHandler),
		unpaused: make(map[uint16]int),
	}
}

func (f *fakeTransport) InitCPort(cport uint16) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.attempts[cport]++
	if f.failFirst > 0 && f.attempts[cport] <= f.failFirst {
		return pkg.ErrNotConnected
	}
	return f.initErr
}

func (f *fakeTransport) RegisterDriver(cport uint16, handler RxHandler) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.handlers[cport] = handler
	return nil
}

func (f *fakeTransport) UnregisterDriver(cport uint16) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.handlers, cport)
	return nil
}

func (f *fakeTransport) UnpauseRx(cport uint16) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.unpaused[cport]++
	return nil
}

func (f *fakeTransport) Send(cport uint16, data []byte, release ReleaseFunc) error {
	f.mutex.Lock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	f.mutex.Unlock()
	if release != nil {
		release(nil)
	}
	return nil
}

func (f *fakeTransport) attemptCount(cport uint16) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.attempts[cport]
}

func (f *fakeTransport) handler(cport uint16) RxHandler {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.handlers[cport]
}

func observeWarnings(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	prev := pkg.SetLogger(zap.New(core))
	t.Cleanup(func() { pkg.SetLogger(prev) })
	return logs
}

func noopHandler(uint16, []byte) error { return nil }

func TestRegistrarConnectImmediate(t *testing.T) {
	ft := newFakeTransport()
	r := NewRegistrar(ft)

	require.NoError(t, r.Connect(context.Background(), 4, noopHandler))
	assert.Equal(t, 1, ft.attemptCount(4))
	assert.True(t, r.IsConnected(4))
	assert.NotNil(t, ft.handler(4))
}

func TestRegistrarRejectsNilHandler(t *testing.T) {
	r := NewRegistrar(newFakeTransport())
	err := r.Connect(context.Background(), 1, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestRegistrarWarnThreshold(t *testing.T) {
	tests := []struct {
		name      string
		failFirst int
		warnings  int
	}{
		{"no retries", 0, 0},
		{"fifty retries", 50, 0},
		{"fifty one retries", 51, 1},
		{"many retries", 120, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := observeWarnings(t)

			ft := newFakeTransport()
			ft.failFirst = tt.failFirst

			r := NewRegistrar(ft)
			r.SetRetryInterval(time.Microsecond)

			require.NoError(t, r.Connect(context.Background(), 9, noopHandler))
			assert.Equal(t, tt.failFirst+1, ft.attemptCount(9))
			assert.Equal(t, tt.warnings, logs.FilterMessageSnippet("does not seem to be connected").Len())
		})
	}
}

func TestRegistrarKeepsRetrying(t *testing.T) {
	logs := observeWarnings(t)

	ft := newFakeTransport()
	ft.initErr = pkg.ErrNotConnected

	mock := clock.NewMock()
	r := NewRegistrar(ft)
	r.SetClock(mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Connect(ctx, 3, noopHandler) }()

	require.Eventually(t, func() bool {
		mock.Add(DefaultRetryInterval)
		return ft.attemptCount(3) >= 60
	}, 10*time.Second, time.Millisecond)

	assert.Equal(t, 1, logs.FilterMessageSnippet("does not seem to be connected").Len())

	select {
	case err := <-done:
		t.Fatalf("connect returned while fabric was not connected: %v", err)
	default:
	}
	assert.False(t, r.IsConnected(3))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not observe cancellation")
	}
}

func TestRegistrarTerminalError(t *testing.T) {
	logs := observeWarnings(t)

	ft := newFakeTransport()
	ft.initErr = errors.New("link down")

	r := NewRegistrar(ft)
	err := r.Connect(context.Background(), 2, noopHandler)
	require.Error(t, err)
	assert.ErrorIs(t, err, ft.initErr)
	assert.Equal(t, 1, ft.attemptCount(2))
	assert.False(t, r.IsConnected(2))
	assert.Equal(t, 1, logs.FilterMessageSnippet("cannot init cport").Len())
}

func TestRegistrarRearmsAfterDispatch(t *testing.T) {
	ft := newFakeTransport()
	r := NewRegistrar(ft)

	var got []byte
	handlerErr := errors.New("dispatch failed")
	require.NoError(t, r.Connect(context.Background(), 5, func(cport uint16, data []byte) error {
		got = append([]byte(nil), data...)
		return handlerErr
	}))

	h := ft.handler(5)
	require.NotNil(t, h)

	err := h(5, []byte{1, 2, 3})
	assert.ErrorIs(t, err, handlerErr)
	assert.Equal(t, []byte{1, 2, 3}, got)

	ft.mutex.Lock()
	assert.Equal(t, 1, ft.unpaused[5])
	ft.mutex.Unlock()
}

func TestRegistrarDisconnect(t *testing.T) {
	ft := newFakeTransport()
	r := NewRegistrar(ft)

	assert.ErrorIs(t, r.Disconnect(8), pkg.ErrNoDriver)

	require.NoError(t, r.Connect(context.Background(), 8, noopHandler))
	require.NoError(t, r.Disconnect(8))
	assert.False(t, r.IsConnected(8))
	assert.Nil(t, ft.handler(8))
}

func TestMailboxString(t *testing.T) {
	assert.Equal(t, "ready-ap", MailboxReadyAP.String())
	assert.Equal(t, "ready-other", MailboxReadyOther.String())
	assert.Equal(t, "unknown", Mailbox(0x7f).String())
}
