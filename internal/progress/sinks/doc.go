// Package sinks implements concrete progress consumers for structured
// logging and Prometheus. Each sink satisfies the progress.Sink interface
// and is safe for repeated Consume/Close cycles.
package sinks
