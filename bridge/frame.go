package bridge

import (
	"fmt"

	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// Frame is an operation frame with its cport carried out of band.
// Data never holds the cport in its pad bytes.
type Frame struct {
	CPort uint16
	Data  []byte
}

// String returns a human-readable representation of the frame.
func (f Frame) String() string {
	return fmt.Sprintf("cport %d %s", f.CPort, greybus.Dump(f.Data))
}

// DecodeHostFrame splits a frame received from the host into its cport tag
// and the clean frame. The pad bytes of buf are zeroed in place.
// Returns pkg.ErrMalformedHeader if buf is shorter than an operation header.
func DecodeHostFrame(buf []byte) (Frame, error) {
	cport, ok := greybus.PadBytes(buf)
	if !ok {
		return Frame{}, fmt.Errorf("host frame of %d bytes: %w", len(buf), pkg.ErrMalformedHeader)
	}
	greybus.SetPadBytes(buf, 0)
	return Frame{CPort: cport, Data: buf}, nil
}

// EncodeHostFrame writes cport into the pad bytes of buf for delivery to the
// host. A buffer shorter than an operation header is left untouched.
func EncodeHostFrame(cport uint16, buf []byte) []byte {
	greybus.SetPadBytes(buf, cport)
	return buf
}

// Encode returns a copy of the frame tagged for the host link.
func (f Frame) Encode() []byte {
	out := make([]byte, len(f.Data))
	copy(out, f.Data)
	return EncodeHostFrame(f.CPort, out)
}
