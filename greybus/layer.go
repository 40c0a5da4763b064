package greybus

import (
	"github.com/google/gopacket"

	"github.com/ardnew/softgb/pkg"
)

// LayerTypeGreybus identifies the operation header layer.
var LayerTypeGreybus = gopacket.RegisterLayerType(1872, gopacket.LayerTypeMetadata{
	Name:    "Greybus",
	Decoder: gopacket.DecodeFunc(decodeGreybus),
})

// Layer is the gopacket layer for one operation frame.
type Layer struct {
	Header
	contents []byte
	payload  []byte
}

var _ interface {
	gopacket.ApplicationLayer
	gopacket.DecodingLayer
	gopacket.SerializableLayer
} = (*Layer)(nil)

// LayerType returns LayerTypeGreybus.
func (Layer) LayerType() gopacket.LayerType {
	return LayerTypeGreybus
}

// LayerContents returns the header bytes.
func (l *Layer) LayerContents() []byte {
	return l.contents
}

// LayerPayload returns the operation payload.
func (l *Layer) LayerPayload() []byte {
	return l.payload
}

// Payload implements gopacket.ApplicationLayer interface.
func (l *Layer) Payload() []byte {
	return l.payload
}

// DecodeFromBytes parses an operation header and its payload.
// Bytes past the header's size field are ignored.
func (l *Layer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if !ParseHeader(data, &l.Header) {
		df.SetTruncated()
		return pkg.ErrMalformedHeader
	}
	end := int(l.Size)
	if end < HeaderSize {
		return pkg.ErrMalformedHeader
	}
	if end > len(data) {
		df.SetTruncated()
		end = len(data)
	}
	l.contents = data[:HeaderSize]
	l.payload = data[HeaderSize:end]
	return nil
}

// CanDecode implements gopacket.DecodingLayer interface.
func (Layer) CanDecode() gopacket.LayerClass {
	return LayerTypeGreybus
}

// NextLayerType implements gopacket.DecodingLayer interface.
func (Layer) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

// SerializeTo implements gopacket.SerializableLayer interface.
// With FixLengths set, the size field is computed from the buffer.
func (l *Layer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	room, err := b.PrependBytes(HeaderSize)
	if err != nil {
		return err
	}
	hdr := l.Header
	if opts.FixLengths {
		hdr.Size = uint16(len(b.Bytes()))
	}
	hdr.MarshalTo(room)
	return nil
}

func decodeGreybus(data []byte, p gopacket.PacketBuilder) error {
	l := &Layer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	p.SetApplicationLayer(l)
	return p.NextDecoder(gopacket.DecodePayload)
}

// Dump returns a one-line description of an operation frame.
func Dump(frame []byte) string {
	pkt := gopacket.NewPacket(frame, LayerTypeGreybus, gopacket.NoCopy)
	if l, ok := pkt.Layer(LayerTypeGreybus).(*Layer); ok {
		return l.Header.String()
	}
	if el := pkt.ErrorLayer(); el != nil {
		return "malformed: " + el.Error().Error()
	}
	return "malformed"
}
