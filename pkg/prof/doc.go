// Package prof captures runtime profiles of the bridge process.
//
// A [Session] streams a CPU profile for its lifetime and writes a heap
// snapshot when stopped:
//
//	s, err := prof.Start("cpu.prof", "heap.prof")
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Either path may be empty to skip that profile. Only one CPU profile can
// be active per process; a second Start with a CPU path returns
// [ErrCPUProfileActive].
//
// Snapshot profiles can also be written on demand with [Write] and
// [WriteTo], and [Register] mounts the net/http/pprof handlers on a mux.
package prof
