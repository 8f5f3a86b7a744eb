package relay

import (
	"time"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing. For framer
	// errors this lets the discard sweep run to completion and normal
	// decoding resume on its own.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	delimiter    byte
	delimiterSet bool
	// maxChunkLength bounds a single undelimited chunk. 0 selects the
	// default; negative disables the bound entirely.
	maxChunkLength int

	logger Logger

	onChunk func(chunk string) error
	// onError is called when a framer or transport error occurs.
	// Returns Disconnect to close the connection, Continue to suppress it.
	onError func(error) ErrorAction

	bufferSize  int           // size of the buffered send channel
	idleTimeout time.Duration // read/write deadlines are idleTimeout * 2
}

// Option is a function that configures connection options.
type Option func(*options)

// DelimiterOption returns an Option that sets the chunk delimiter byte.
// Any byte value is valid. Defaults to '\n'.
func DelimiterOption(delimiter byte) Option {
	return func(o *options) {
		o.delimiter = delimiter
		o.delimiterSet = true
	}
}

// MaxChunkLengthOption returns an Option that bounds a single undelimited
// chunk. Chunks exceeding the bound produce ErrChunkTooLong and are
// discarded. A negative value removes the bound, which leaves the decode
// buffer unprotected against peers that never send the delimiter; avoid it
// for untrusted input.
func MaxChunkLengthOption(n int) Option {
	return func(o *options) {
		o.maxChunkLength = n
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel
// buffer. A larger buffer allows more chunks to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption returns an Option that sets the idle timeout.
// This determines the read/write deadline (idleTimeout * 2).
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// OnChunkOption returns an Option that sets the chunk handler callback.
// This callback is required and is invoked for each decoded chunk.
func OnChunkOption(cb func(chunk string) error) Option {
	return func(o *options) {
		o.onChunk = cb
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked for framer errors (ErrChunkTooLong,
// ErrInvalidUTF8) and transport errors alike; inspect with errors.Is to
// tell them apart. Return Disconnect to close the connection, or Continue
// to keep reading.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
