// Package otel bridges gatekit Guard metrics into an OpenTelemetry meter via
// observable instruments, reading counter snapshots on each collection.
package otel
