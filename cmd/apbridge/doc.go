// Command apbridge bridges a FIFO host link to a simulated fabric whose
// module side serves uart and loopback cports.
//
// Usage:
//
//	apbridge [--config apbridge.toml] [--log-level debug] run [--traffic]
//	apbridge loopback [--type transfer] [--size 256] [--count 1000]
//
// The run command serves until SIGINT or SIGTERM. With [metrics] listen set
// it exposes /metrics and /debug/pprof/.
package main
