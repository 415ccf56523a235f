// Package progress tracks per-job completion with a rolling ETA and fans
// job lifecycle events out to pluggable sinks through a non-blocking,
// batching hub.
package progress
