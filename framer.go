package relay

import (
	"bytes"
	"errors"
	"math"
	"unicode/utf8"
)

// Errors returned by Framer decode operations. Both are non-fatal: the
// framer stays usable and the caller decides whether to keep reading or
// close the connection.
var (
	// ErrChunkTooLong is returned when a chunk exceeds the maximum length
	// before a delimiter was found. It is reported once per over-length
	// chunk; the framer then discards bytes until the next delimiter and
	// resumes normal decoding on its own.
	ErrChunkTooLong = errors.New("chunk exceeds maximum length")
	// ErrInvalidUTF8 is returned when a delimited chunk is not valid UTF-8.
	// The offending bytes are already consumed, so the next chunk is
	// unaffected.
	ErrInvalidUTF8 = errors.New("chunk is not valid UTF-8")
)

// unboundedChunkLength disables the decode-side length limit.
const unboundedChunkLength = math.MaxInt

// Framer splits an incrementally filled byte buffer into delimiter-terminated
// UTF-8 chunks, and appends delimited chunks on the encode side.
//
// One Framer belongs to exactly one stream. It holds no locks and performs
// no I/O: the caller owns the buffer, appends transport bytes to it as they
// arrive, and calls Decode repeatedly. Decoded bytes are consumed from the
// front of the buffer; the buffer only ever holds bytes not yet attributed
// to a returned or discarded chunk.
type Framer struct {
	// delimiter marks the end of a chunk. Fixed at construction.
	delimiter byte

	// scanFrom is the next buffer index to examine for the delimiter.
	// Bytes before it are known to be delimiter-free, so each Decode call
	// resumes where the previous one stopped instead of rescanning. Reset
	// to 0 whenever bytes are consumed from the front.
	scanFrom int

	// maxLength bounds a single undelimited chunk. unboundedChunkLength
	// means chunks are read until a delimiter regardless of size.
	maxLength int

	// discarding is true while dropping the tail of an over-length chunk,
	// waiting for the delimiter that restores normal framing.
	discarding bool
}

// NewFramer returns a Framer without an upper bound on chunk length.
//
// An unbounded framer buffers an entire chunk before returning it, so a
// peer that never sends the delimiter can grow the buffer without limit.
// Use NewFramerWithMaxLength for anything exposed to untrusted input.
func NewFramer(delimiter byte) *Framer {
	return &Framer{
		delimiter: delimiter,
		maxLength: unboundedChunkLength,
	}
}

// NewFramerWithMaxLength returns a Framer that reports ErrChunkTooLong when
// a chunk exceeds maxLength bytes before a delimiter appears. After the
// error, subsequent Decode calls silently discard bytes until the delimiter
// is found, then decode normally again.
func NewFramerWithMaxLength(delimiter byte, maxLength int) *Framer {
	return &Framer{
		delimiter: delimiter,
		maxLength: maxLength,
	}
}

// Decode extracts the next chunk from the front of buf.
//
// It returns (chunk, true, nil) when a complete chunk was found and removed
// from buf, ("", false, nil) when buf does not yet hold a complete chunk and
// more bytes are needed, or a zero chunk with ErrChunkTooLong or
// ErrInvalidUTF8. The returned chunk excludes the delimiter; nothing else is
// stripped, so a chunk terminated by "\r\n" with a '\n' delimiter keeps its
// trailing '\r'.
//
// Decode is safe to call again after any outcome: consumed bytes are never
// re-emitted, and callers should keep calling until it reports incomplete
// before waiting for more input.
func (f *Framer) Decode(buf *bytes.Buffer) (string, bool, error) {
	for {
		data := buf.Bytes()

		// Cap the scan window at maxLength+1 bytes so an over-length
		// chunk is detected at the boundary without scanning the rest
		// of the buffer.
		readTo := len(data)
		if f.maxLength < unboundedChunkLength && f.maxLength+1 < readTo {
			readTo = f.maxLength + 1
		}

		offset := bytes.IndexByte(data[f.scanFrom:readTo], f.delimiter)

		switch {
		case f.discarding && offset >= 0:
			// Delimiter found mid-sweep: drop everything through it
			// and retry a normal decode on the remaining bytes.
			buf.Next(f.scanFrom + offset + 1)
			f.discarding = false
			f.scanFrom = 0

		case f.discarding:
			// Still no delimiter: drop the scanned window. The error
			// was already reported at detection, so the sweep stays
			// silent until the delimiter shows up.
			buf.Next(readTo)
			f.scanFrom = 0
			if buf.Len() == 0 {
				return "", false, nil
			}

		case offset >= 0:
			end := f.scanFrom + offset
			f.scanFrom = 0
			raw := data[:end]
			if !utf8.Valid(raw) {
				buf.Next(end + 1)
				return "", false, ErrInvalidUTF8
			}
			chunk := string(raw)
			buf.Next(end + 1)
			return chunk, true, nil

		case len(data) > f.maxLength:
			// Hit the limit without a delimiter. Report once, then
			// discard on subsequent calls.
			f.discarding = true
			return "", false, ErrChunkTooLong

		default:
			// No delimiter and no limit hit: resume scanning at the
			// window end next time.
			f.scanFrom = readTo
			return "", false, nil
		}
	}
}

// DecodeEOF extracts the final chunk once the underlying stream has closed.
// Call it only after all bytes have been appended to buf, repeating until it
// reports no chunk if earlier calls returned one.
//
// A normal decode runs first. If that leaves an incomplete, non-empty
// buffer, the remaining bytes are returned as a final chunk without a
// delimiter — unless the buffer is exactly one '\r' byte, which is treated
// as the leftover of a "\r\n" terminator rather than a chunk. That lone-'\r'
// case is a narrow compatibility affordance; no other trailing control
// bytes are dropped.
func (f *Framer) DecodeEOF(buf *bytes.Buffer) (string, bool, error) {
	chunk, ok, err := f.Decode(buf)
	if ok || err != nil {
		return chunk, ok, err
	}

	if buf.Len() == 0 || (buf.Len() == 1 && buf.Bytes()[0] == '\r') {
		return "", false, nil
	}

	raw := buf.Next(buf.Len())
	f.scanFrom = 0
	if !utf8.Valid(raw) {
		return "", false, ErrInvalidUTF8
	}
	return string(raw), true, nil
}

// Encode appends chunk followed by exactly one delimiter byte to buf.
//
// No length limit applies on the encode side; the decode-side bound guards
// against misbehaving peers, not local output.
func (f *Framer) Encode(chunk string, buf *bytes.Buffer) {
	buf.Grow(len(chunk) + 1)
	buf.WriteString(chunk)
	buf.WriteByte(f.delimiter)
}
