// Package hal defines the host link interface used by the bridge.
//
// A [HostHAL] delivers tagged frames from the host and accepts tagged frames
// for it. Receive buffers come from a fixed [BufferPool], so a host that
// outpaces the fabric is throttled rather than buffered without bound.
//
// Every blocking method takes a context and must return once it is done.
package hal
