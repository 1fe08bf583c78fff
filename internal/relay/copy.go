package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type flusher interface {
	Flush() error
}

type closeWriter interface {
	CloseWrite() error
}

// Copy copies src to dst until src reports EOF or either side fails, and
// returns the number of bytes written. Errors end the copy silently; a peer
// hanging up mid-stream is not distinguished from a clean close.
//
// If dst buffers (has a Flush method) it is flushed after every write.
func Copy(dst io.Writer, src io.Reader) int64 {
	return copyStream(dst, src, nil)
}

// CopyConn is Copy with an idle timeout on src: if no bytes arrive for
// idleTimeout the copy ends. Zero disables the timeout.
func CopyConn(dst io.Writer, src net.Conn, idleTimeout time.Duration) int64 {
	return copyStream(dst, src, newIdleTimer(idleTimeout))
}

// Pipe copies a to b and b to a concurrently, and returns once both
// directions have finished. When one direction ends, the write side of its
// destination is half-closed so the peer sees EOF; the other direction keeps
// draining until its own EOF or error.
//
// idleTimeout applies to the pipe as a whole: it fires only once neither
// direction has moved data for that long. Canceling ctx closes a and b.
func Pipe(ctx context.Context, a, b net.Conn, idleTimeout time.Duration) (aToB, bToA int64) {
	stop := context.AfterFunc(ctx, func() {
		_ = a.Close()
		_ = b.Close()
	})
	defer stop()

	idle := newIdleTimer(idleTimeout)

	var g errgroup.Group
	g.Go(func() error {
		aToB = copyStream(b, a, idle)
		closeWrite(b)
		return nil
	})
	g.Go(func() error {
		bToA = copyStream(a, b, idle)
		closeWrite(a)
		return nil
	})
	_ = g.Wait()

	return aToB, bToA
}

func copyStream(dst io.Writer, src io.Reader, idle *idleTimer) int64 {
	bp := buffers.Get()
	defer buffers.Put(bp)
	buf := *bp

	fl, _ := dst.(flusher)
	conn, _ := src.(net.Conn)
	if conn == nil {
		idle = nil
	}

	var written int64
	for {
		if idle != nil {
			_ = conn.SetReadDeadline(time.Now().Add(idle.timeout))
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if idle != nil {
				idle.touch()
			}
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil || w != n {
				return written
			}
			if fl != nil && fl.Flush() != nil {
				return written
			}
		}

		if rerr != nil {
			// The other direction of a pipe may still be busy.
			if idle != nil && errors.Is(rerr, os.ErrDeadlineExceeded) && !idle.expired() {
				continue
			}
			return written
		}
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// idleTimer records the last time any direction sharing it read data.
type idleTimer struct {
	timeout time.Duration
	last    atomic.Int64
}

func newIdleTimer(timeout time.Duration) *idleTimer {
	if timeout <= 0 {
		return nil
	}
	t := &idleTimer{timeout: timeout}
	t.touch()
	return t
}

func (t *idleTimer) touch() {
	t.last.Store(time.Now().UnixNano())
}

func (t *idleTimer) expired() bool {
	return time.Since(time.Unix(0, t.last.Load())) >= t.timeout
}
