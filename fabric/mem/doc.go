// Package mem provides an in-memory fabric.
//
// Cports are connected in pairs with [Fabric.Connect]; a frame sent on one
// end is queued for the handler on the other. Each cport delivers from its
// own goroutine and waits for UnpauseRx after every frame. The fabric also
// records supervisor mailbox writes so tests can observe bring-up.
package mem
