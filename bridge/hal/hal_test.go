package hal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolBounded(t *testing.T) {
	p := NewBufferPool(2, 16)
	assert.Equal(t, 2, p.Available())
	assert.Equal(t, 16, p.Size())

	a, ok := p.TryGet()
	require.True(t, ok)
	b, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.Len(t, b, 16)

	_, ok = p.TryGet()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Put(a[:3])
	assert.Equal(t, 1, p.Available())
	c, ok := p.TryGet()
	require.True(t, ok)
	assert.Len(t, c, 16)
}

func TestBufferPoolDropsForeign(t *testing.T) {
	p := NewBufferPool(1, 8)
	p.Put(make([]byte, 4))
	assert.Equal(t, 1, p.Available())

	p.Put(make([]byte, 8))
	assert.Equal(t, 1, p.Available())
}

func TestBufferPoolGetUnblocks(t *testing.T) {
	p := NewBufferPool(1, 8)
	buf, _ := p.TryGet()

	got := make(chan []byte)
	go func() {
		b, _ := p.Get(context.Background())
		got <- b
	}()

	p.Put(buf)
	select {
	case b := <-got:
		assert.Len(t, b, 8)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock")
	}
}
