// Package fabric defines the transport contract between protocol endpoints
// and the fabric that carries their frames, and the [Registrar] that
// attaches receive handlers to cports.
//
// # Transport
//
// A [Transport] copies every frame it is given. The release callback passed
// to Send runs exactly once after a successful send and never after a failed
// one. Reception pauses after each delivered frame until UnpauseRx.
//
// # Registrar
//
// [Registrar.Connect] retries a cport that is not connected yet every
// [DefaultRetryInterval], warning once after [DefaultWarnAfter] misses, until
// it connects or the context is done:
//
//	r := fabric.NewRegistrar(t)
//	err := r.Connect(ctx, cport, handler)
package fabric
