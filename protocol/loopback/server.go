package loopback

import (
	"encoding/binary"

	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// Driver returns the loopback dispatch table.
func Driver() *greybus.Driver {
	return &greybus.Driver{
		Name: "loopback",
		Handlers: []greybus.OperationHandler{
			{Type: TypeProtocolVersion, Handler: handleProtocolVersion},
			{Type: TypePing, Handler: handleAck},
			{Type: TypeTransfer, Handler: handleTransfer},
			{Type: TypeSink, Handler: handleAck},
		},
	}
}

func handleProtocolVersion(op *greybus.Operation) pkg.OperationStatus {
	resp, err := op.AllocResponse(2)
	if err != nil {
		return pkg.StatusNoMemory
	}
	resp[0] = VersionMajor
	resp[1] = VersionMinor
	return pkg.StatusSuccess
}

// handleAck acknowledges ping and sink requests; sink data is discarded.
func handleAck(op *greybus.Operation) pkg.OperationStatus {
	return pkg.StatusSuccess
}

// handleTransfer echoes the request data back with its length prefix.
func handleTransfer(op *greybus.Operation) pkg.OperationStatus {
	req := op.RequestPayload()
	if len(req) < lengthFieldSize {
		return pkg.StatusInvalid
	}
	n := binary.LittleEndian.Uint32(req)
	if uint64(n) > uint64(len(req)-lengthFieldSize) {
		return pkg.StatusInvalid
	}

	resp, err := op.AllocResponse(lengthFieldSize + int(n))
	if err != nil {
		return pkg.StatusNoMemory
	}
	copy(resp, req[:lengthFieldSize+int(n)])
	return pkg.StatusSuccess
}
