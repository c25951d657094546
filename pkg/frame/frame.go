// Package frame splits a byte stream into delimiter-terminated frames.
//
// A Reader accumulates bytes across reads and emits every complete frame
// found so far, keeping the trailing partial segment for the next read.
// Reads are bounded by a poll interval so that the owner of a connection can
// observe shutdown without interrupting a read that is already in progress.
package frame

import (
	"bytes"
	"context"
	"io"
	"iter"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Delimiter terminates every frame on the wire.
const Delimiter byte = 0x00

const (
	// DefaultPollInterval bounds a single blocking read.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultChunkSize is the size of a single read from the source.
	DefaultChunkSize = 1024
)

// Source is a byte stream that supports read deadlines, such as a net.Conn.
type Source interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Conn is a Source the reader task owns and must close.
type Conn interface {
	Source
	io.Closer
}

// Reader yields frames from a Source. It is not safe for concurrent use; a
// connection has exactly one reader.
type Reader struct {
	src     Source
	poll    time.Duration
	chunk   []byte
	buf     []byte
	pending [][]byte
	err     error
}

// NewReader creates a Reader. A non-positive poll disables read deadlines, in
// which case reads block until data arrives or the stream ends.
func NewReader(src Source, poll time.Duration) *Reader {
	return &Reader{
		src:   src,
		poll:  poll,
		chunk: make([]byte, DefaultChunkSize),
	}
}

// Next returns the next complete frame. It returns io.EOF once the peer has
// closed the stream, ctx.Err() when a read times out after ctx is done, and a
// wrapped error when the stream fails. Frames already buffered are returned
// before the terminal error.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		r.fill(ctx)
	}
	f := r.pending[0]
	r.pending[0] = nil
	r.pending = r.pending[1:]
	return f, nil
}

// Frames returns a lazy sequence over the frames of the stream. The sequence
// ends with the stream; Err reports why.
func (r *Reader) Frames(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			f, err := r.Next(ctx)
			if err != nil {
				return
			}
			if !yield(f) {
				return
			}
		}
	}
}

// Err returns the error that ended the sequence, or nil if the stream is
// still open or the peer closed it cleanly.
func (r *Reader) Err() error {
	if r.err == io.EOF {
		return nil
	}
	return r.err
}

// Buffered returns the number of bytes held in the trailing partial frame.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

func (r *Reader) fill(ctx context.Context) {
	if r.poll > 0 {
		if err := r.src.SetReadDeadline(time.Now().Add(r.poll)); err != nil {
			r.err = errors.Wrap(err, "set read deadline failed")
			return
		}
	}
	n, err := r.src.Read(r.chunk)
	if n > 0 {
		r.split(r.chunk[:n])
	}
	switch {
	case err == nil:
		if n == 0 {
			r.err = io.EOF
		}
	case IsTimeout(err):
		if ctx.Err() != nil {
			r.err = ctx.Err()
		}
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		r.err = io.EOF
	default:
		r.err = errors.Wrap(err, "read failed")
	}
}

func (r *Reader) split(data []byte) {
	r.buf = append(r.buf, data...)
	off := 0
	for {
		i := bytes.IndexByte(r.buf[off:], Delimiter)
		if i < 0 {
			break
		}
		r.pending = append(r.pending, append([]byte(nil), r.buf[off:off+i]...))
		off += i + 1
	}
	if off > 0 {
		n := copy(r.buf, r.buf[off:])
		r.buf = r.buf[:n]
	}
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Pump reads frames from conn and hands each to fn, in stream order, until
// the peer closes the stream, ctx is done or the stream fails. conn is
// closed before Pump returns. A clean end or shutdown returns nil.
func Pump(ctx context.Context, conn Conn, poll time.Duration, fn func(frame []byte)) (err error) {
	defer func() {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, errors.Wrap(cerr, "close failed"))
		}
	}()
	r := NewReader(conn, poll)
	for f := range r.Frames(ctx) {
		fn(f)
	}
	if err := r.Err(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
