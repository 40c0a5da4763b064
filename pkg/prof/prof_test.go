package prof

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession(t *testing.T) {
	dir := t.TempDir()
	cpuPath := filepath.Join(dir, "cpu.prof")
	memPath := filepath.Join(dir, "heap.prof")

	s, err := Start(cpuPath, memPath)
	require.NoError(t, err)

	_, err = Start(filepath.Join(dir, "cpu2.prof"), "")
	assert.ErrorIs(t, err, ErrCPUProfileActive)

	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())

	for _, path := range []string{cpuPath, memPath} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.NotZero(t, info.Size(), path)
	}

	// The CPU profiler is free again.
	s, err = Start(filepath.Join(dir, "cpu3.prof"), "")
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}

func TestSessionEmpty(t *testing.T) {
	s, err := Start("", "")
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
}

func TestSessionErrors(t *testing.T) {
	_, err := Start("/nonexistent/directory/cpu.prof", "")
	assert.Error(t, err)

	s, err := Start("", "/nonexistent/directory/heap.prof")
	require.NoError(t, err)
	assert.Error(t, s.Stop())
}

func TestWriteTo(t *testing.T) {
	for _, p := range []Profile{ProfileHeap, ProfileAllocs, ProfileGoroutine, ProfileThreadCreate, ProfileBlock, ProfileMutex} {
		var buf bytes.Buffer
		require.NoError(t, WriteTo(p, &buf), p.String())
		assert.NotZero(t, buf.Len(), p.String())
	}

	assert.ErrorIs(t, WriteTo("bogus", &bytes.Buffer{}), ErrInvalidProfile)
	assert.ErrorIs(t, Write("bogus", filepath.Join(t.TempDir(), "x.prof")), ErrInvalidProfile)
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
