// Package fifo implements the bridge host link over named pipes (FIFOs).
//
// It is meant for testing and simulation: a host process and the bridge
// exchange frames through a directory on a shared bus directory.
//
// # Architecture
//
// Each bridge creates its own subdirectory under the bus directory:
//
//	/tmp/softgb/                     # Bus directory (shared with host)
//	└── bridge-{uuid}/               # Bridge subdirectory
//	    ├── connection               # Host readiness (host → bridge)
//	    ├── host_to_bridge           # Tagged frames from the host
//	    └── bridge_to_host           # Tagged frames to the host
//
// Frames are framed as [type, len_lo, len_hi, data...]. The host writes 0x01
// to the connection FIFO when ready and 0x00 when going away.
//
// Reads and writes poll with short deadlines so that cancellation and Close
// are observed while the peer is idle or not draining.
//
// # Usage
//
//	h := fifo.New("/tmp/softgb", fifo.DefaultBufferCount)
//	if err := h.Init(ctx); err != nil {
//	    return err
//	}
//	defer h.Close()
//
// The host end attaches with [Dial]:
//
//	dirs, _ := fifo.FindBridges("/tmp/softgb")
//	c, err := fifo.Dial(dirs[0])
//	c.Ready()
package fifo
