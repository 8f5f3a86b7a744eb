// Package relay provides a TCP ingest framework for delimiter-framed text
// protocols. Each connection's byte stream is split into chunks by an
// incremental Framer with bounded memory use, and every decoded chunk is
// handed to an application callback.
package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnChunk is returned when no chunk handler is provided.
	ErrInvalidOnChunk = errors.New("invalid on chunk callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// ErrBufferFull is returned when the send buffer is full and cannot accept
// more chunks. This indicates backpressure: the peer is not draining writes
// fast enough. Either drop the chunk or use WriteBlocking with a deadline
// context to wait for space.
var ErrBufferFull = errors.New("send buffer full")

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send channel buffer.
	defaultBufferSize = 1
	// defaultMaxChunkLength is the default bound on a single undelimited
	// chunk (1MB).
	defaultMaxChunkLength = 1024 * 1024
	// readChunkSize is how many bytes a single transport read may append
	// to the decode buffer.
	readChunkSize = 4 * 1024
)

// Conn represents one client connection. It owns a Framer and the decode
// buffer it feeds: the read loop appends whatever the transport delivers,
// in any fragmentation, and drains complete chunks to the onChunk callback.
type Conn struct {
	rawConn *net.TCPConn
	framer  *Framer
	readBuf bytes.Buffer
	logger  Logger

	opts options

	sendChunk chan []byte
	closed    atomic.Bool
	cancel    context.CancelFunc
}

// NewConn creates a connection wrapper around the given TCP connection.
// It applies the provided options and validates them before returning.
// Returns an error if the required onChunk option is missing.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if !opts.delimiterSet {
		opts.delimiter = '\n'
	}

	if opts.maxChunkLength == 0 {
		opts.maxChunkLength = defaultMaxChunkLength
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.onChunk == nil {
		return ErrInvalidOnChunk
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = time.Second * 30
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// newConnWithOptions creates a new Conn with the given options.
func newConnWithOptions(c *net.TCPConn, opts options) *Conn {
	var framer *Framer
	if opts.maxChunkLength < 0 {
		framer = NewFramer(opts.delimiter)
	} else {
		framer = NewFramerWithMaxLength(opts.delimiter, opts.maxChunkLength)
	}

	return &Conn{
		rawConn:   c,
		framer:    framer,
		logger:    opts.logger,
		opts:      opts,
		sendChunk: make(chan []byte, opts.bufferSize),
	}
}

// Run starts the connection's read and write loops.
// It creates two goroutines for concurrent reading and writing, and blocks
// until the stream ends, an error occurs or the context is canceled. The
// connection is closed when Run returns. A peer that closes the stream
// cleanly yields a nil return.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"delimiter", c.opts.delimiter,
		"max_chunk_length", c.opts.maxChunkLength,
		"buffer_size", c.opts.bufferSize,
		"idle_timeout", c.opts.idleTimeout)

	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
		return err
	}

	c.logger.Info("connection closed", "addr", c.Addr())
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Close gracefully closes the connection.
// It cancels the context and closes the underlying TCP connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	if c.cancel != nil {
		c.cancel()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write queues a chunk for sending without blocking (fire-and-forget).
// The chunk is framed with the connection's delimiter before queueing.
//
// Returns:
//   - nil: chunk was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, chunk was NOT queued
//   - ErrConnectionClosed: connection is closed
//
// For guaranteed delivery, use WriteBlocking instead.
func (c *Conn) Write(chunk string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	var buf bytes.Buffer
	c.framer.Encode(chunk, &buf)

	select {
	case c.sendChunk <- buf.Bytes():
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a chunk for sending, blocking until the chunk is
// queued or the context is canceled.
//
// Returns:
//   - nil: chunk was successfully queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closed
func (c *Conn) WriteBlocking(ctx context.Context, chunk string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	var buf bytes.Buffer
	c.framer.Encode(chunk, &buf)

	select {
	case c.sendChunk <- buf.Bytes():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop reads transport bytes into the decode buffer and drains complete
// chunks after every read. Returns when the context is canceled, the stream
// ends, or an unrecoverable error occurs.
func (c *Conn) readLoop(ctx context.Context) error {
	scratch := make([]byte, readChunkSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout * 2))

			n, err := c.rawConn.Read(scratch)
			if n > 0 {
				c.readBuf.Write(scratch[:n])
				if derr := c.drainChunks(); derr != nil {
					return derr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return c.flushEOF()
				}
				c.logger.Debug("read error", "addr", c.Addr(), "error", err)
				if c.opts.onError(err) == Disconnect {
					return err
				}
			}
		}
	}
}

// drainChunks decodes every complete chunk currently buffered and hands each
// to the onChunk callback. Framer errors go to onError: Continue keeps the
// connection reading (the framer recovers on its own), Disconnect ends it.
func (c *Conn) drainChunks() error {
	for {
		chunk, ok, err := c.framer.Decode(&c.readBuf)
		if err != nil {
			c.logger.Debug("decode error", "addr", c.Addr(), "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}
		if !ok {
			return nil
		}

		if err = c.opts.onChunk(chunk); err != nil {
			return err
		}
	}
}

// flushEOF runs the end-of-stream decode so a final chunk without a trailing
// delimiter is still delivered, then reports the stream end as io.EOF.
func (c *Conn) flushEOF() error {
	for {
		chunk, ok, err := c.framer.DecodeEOF(&c.readBuf)
		if err != nil {
			c.logger.Debug("decode error at eof", "addr", c.Addr(), "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}
		if !ok {
			return io.EOF
		}

		if err = c.opts.onChunk(chunk); err != nil {
			return err
		}
	}
}

// writeLoop sends framed chunks from the send channel to the connection.
// Returns when the context is canceled or an unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendChunk:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the connection with a deadline.
// If an error occurs and onError returns Disconnect, the error is
// propagated. Otherwise the error is suppressed and writing continues.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout * 2))

	_, err := c.rawConn.Write(data)

	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP
// connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}
