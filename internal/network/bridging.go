package network

import (
	"errors"
	"io"
	"time"

	"github.com/powerpuffpenguin/muxf/pool"
)

type relayed struct {
	up bool
	n  int64
}

// Bridging relays c0 and c1 until one direction ends, then gives the other
// direction up to duration before closing both. It returns the bytes copied
// from c0 to c1 and from c1 to c0.
func Bridging(c0, c1 io.ReadWriteCloser, pool *pool.Pool, duration time.Duration) (up, down int64) {
	ch := make(chan relayed, 2)
	go relay(c1, c0, pool, true, ch)
	go relay(c0, c1, pool, false, ch)
	count := func(r relayed) {
		if r.up {
			up = r.n
		} else {
			down = r.n
		}
	}

	count(<-ch)
	pending := true
	if duration > time.Millisecond {
		timer := time.NewTimer(duration)
		select {
		case <-timer.C:
		case r := <-ch:
			timer.Stop()
			count(r)
			pending = false
		}
	}
	c0.Close()
	c1.Close()
	if pending {
		count(<-ch)
	}
	return
}

// relay copies r to w then half closes w so the peer sees EOF.
func relay(w io.Writer, r io.Reader, pool *pool.Pool, up bool, ch chan<- relayed) {
	var n int64
	if rf, ok := w.(io.ReaderFrom); ok {
		n, _ = rf.ReadFrom(r)
	} else if wt, ok := r.(io.WriterTo); ok {
		n, _ = wt.WriteTo(w)
	} else {
		b := pool.Get()
		n, _ = copyBuffer(w, r, b)
		pool.Put(b)
	}
	if cw, ok := w.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	ch <- relayed{up: up, n: n}
}

var errInvalidWrite = errors.New(`invalid write result`)

// copyBuffer is io.CopyBuffer without the ReaderFrom and WriterTo shortcuts,
// so every chunk goes through dst.Write.
func copyBuffer(dst io.Writer, src io.Reader, buf []byte) (written int64, e error) {
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			if nw < 0 || nr < nw {
				nw = 0
				if ew == nil {
					ew = errInvalidWrite
				}
			}
			written += int64(nw)
			if ew != nil {
				e = ew
				return
			}
			if nr != nw {
				e = io.ErrShortWrite
				return
			}
		}
		if er != nil {
			if er != io.EOF {
				e = er
			}
			return
		}
	}
}
