// Package bridge moves operation frames between a host link and the fabric.
//
// Frames crossing the host link carry their cport in the pad bytes of the
// operation header, little-endian. The bridge reads the tag from each host
// frame, clears it and sends the frame on that cport; frames arriving from
// the fabric are tagged with the cport they came from before they are
// written to the host.
//
// # Bring-Up
//
// [Bridge.BringUp] waits for the host, connects every cport through a
// [fabric.Registrar] and then raises [fabric.MailboxReadyAP] on the
// supervisor:
//
//	b := bridge.New(host, transport, supervisor, nil)
//	if err := <-b.BringUp(ctx, cports); err != nil {
//	    return err
//	}
//	return b.Run(ctx)
//
// # Buffer Ownership
//
// A host buffer handed to the fabric belongs to the bridge until the fabric
// releases it, after which it returns to the host HAL's pool. Writes to the
// host are bounded by a timeout (see [Bridge.SetWriteTimeout]); a frame the
// host does not accept in time is dropped and counted.
package bridge
