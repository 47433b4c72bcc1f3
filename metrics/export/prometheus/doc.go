// Package prometheus renders gatekit Guard metrics in the Prometheus text
// exposition format without taking a client library dependency.
package prometheus
