package loopback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// SendRequest sends one loopback request of the given type on cport.
// size is the data length of transfer and sink requests and is ignored for
// ping. The outcome is recorded in the cport's statistics when the request
// completes.
func (r *Registry) SendRequest(cport uint16, size int, typ uint8) error {
	return r.sendRequest(cport, size, typ, nil)
}

func (r *Registry) sendRequest(cport uint16, size int, typ uint8, done func()) error {
	inst, err := r.lookup(cport)
	if err != nil {
		return err
	}

	var payload int
	switch typ {
	case TypePing:
	case TypeTransfer, TypeSink:
		if size < 0 || size > MaxDataSize {
			return fmt.Errorf("loopback data size %d: %w", size, pkg.ErrInvalidParameter)
		}
		payload = lengthFieldSize + size
	default:
		return fmt.Errorf("loopback type %#02x: %w", typ, pkg.ErrInvalidParameter)
	}

	op, err := inst.engine.NewOperation(cport, typ, payload)
	if err != nil {
		return err
	}
	if typ != TypePing {
		req := op.RequestPayload()
		binary.LittleEndian.PutUint32(req, uint32(size))
		if typ == TypeTransfer {
			rand.Read(req[lengthFieldSize:])
		}
	}

	cb := func(op *greybus.Operation) {
		r.complete(inst, op)
		inst.engine.Destroy(op)
		if done != nil {
			done()
		}
	}

	op.SendTime = r.now()
	if err := inst.engine.SendRequest(op, cb, true); err != nil {
		inst.engine.Destroy(op)
		return err
	}
	return nil
}

// complete records the outcome of a finished request.
func (r *Registry) complete(inst *instance, op *greybus.Operation) {
	if status := op.Result(); status != pkg.StatusSuccess {
		pkg.LogDebug(pkg.ComponentLoopback, "request failed",
			"cport", inst.cport,
			"type", op.Type(),
			"status", status.String())
		inst.recordError()
		return
	}

	if op.Type() == TypeTransfer && !transferEchoed(op) {
		pkg.LogWarn(pkg.ComponentLoopback, "transfer data mismatch",
			"func", "Registry.complete",
			"cport", inst.cport)
		inst.recordError()
		return
	}

	inst.recordSuccess(r.now().Sub(op.SendTime), requestSize(op))
}

// requestSize is the size a request contributes to throughput: the declared
// data length for transfer and sink, the header for ping.
func requestSize(op *greybus.Operation) int {
	req := op.RequestPayload()
	if len(req) < lengthFieldSize {
		return greybus.HeaderSize
	}
	return int(binary.LittleEndian.Uint32(req))
}

// transferEchoed reports whether a transfer response carries the request
// data unchanged.
func transferEchoed(op *greybus.Operation) bool {
	req := op.RequestPayload()
	resp := op.ResponsePayload()
	if len(req) < lengthFieldSize || len(resp) < lengthFieldSize {
		return false
	}
	n := binary.LittleEndian.Uint32(req)
	if binary.LittleEndian.Uint32(resp) != n || len(resp)-lengthFieldSize < int(n) {
		return false
	}
	return bytes.Equal(req[lengthFieldSize:lengthFieldSize+int(n)], resp[lengthFieldSize:lengthFieldSize+int(n)])
}
