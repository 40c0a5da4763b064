package prof

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"

	"go.uber.org/multierr"

	"github.com/ardnew/softgb/pkg"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a runtime/pprof snapshot profile.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

func (p Profile) String() string {
	return string(p)
}

var (
	cpuMutex  sync.Mutex
	cpuActive bool
)

// Session is an active profiling session.
type Session struct {
	cpuFile *os.File
	memPath string
	once    sync.Once
	err     error
}

// Start begins a session. The CPU profile streams to cpuPath until Stop;
// the heap profile is written to memPath by Stop. Empty paths are skipped.
func Start(cpuPath, memPath string) (*Session, error) {
	s := &Session{memPath: memPath}
	if cpuPath == "" {
		return s, nil
	}

	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	if cpuActive {
		return nil, ErrCPUProfileActive
	}

	f, err := os.Create(cpuPath)
	if err != nil {
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		return nil, multierr.Append(fmt.Errorf("cpu profile: %w", err), f.Close())
	}
	cpuActive = true
	s.cpuFile = f

	pkg.LogInfo(pkg.ComponentProf, "cpu profile started", "path", cpuPath)
	return s, nil
}

// Stop ends the CPU profile and writes the heap profile. Errors from each
// step are combined. Later calls return the first call's result.
func (s *Session) Stop() error {
	s.once.Do(func() {
		if s.cpuFile != nil {
			cpuMutex.Lock()
			rpprof.StopCPUProfile()
			cpuActive = false
			cpuMutex.Unlock()
			s.err = multierr.Append(s.err, s.cpuFile.Close())
		}
		if s.memPath != "" {
			runtime.GC()
			s.err = multierr.Append(s.err, Write(ProfileHeap, s.memPath))
		}
	})
	return s.err
}

// Write writes a snapshot profile to path.
func Write(profile Profile, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s profile: %w", profile, err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return WriteTo(profile, f)
}

// WriteTo writes a snapshot profile to w in protobuf format.
func WriteTo(profile Profile, w io.Writer) error {
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%q: %w", profile, ErrInvalidProfile)
	}
	return p.WriteTo(w, 0)
}

// Register mounts the pprof handlers under /debug/pprof/ on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
