// Package internaldefs maps gatekit metric IDs to stable exposition names
// shared by the prometheus and otel exporters. It exists so the two
// exporters cannot drift apart on naming.
package internaldefs
