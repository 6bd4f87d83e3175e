package forwarder

import (
	"net"
	"sync"

	"github.com/powerpuffpenguin/muxf/mux"
)

// transformer passes every chunk written to the backend through
// Plugin.Transform. mu is shared by all users of one plugin.
type transformer struct {
	net.Conn
	mu     *sync.Mutex
	plugin mux.Plugin
}

func (t *transformer) transform(b []byte) []byte {
	t.mu.Lock()
	out, ok := t.plugin.Transform(b)
	t.mu.Unlock()
	if ok {
		return out
	}
	return b
}

func (t *transformer) Write(b []byte) (n int, e error) {
	_, e = t.Conn.Write(t.transform(b))
	if e == nil {
		n = len(b)
	}
	return
}

func (t *transformer) CloseWrite() error {
	if cw, ok := t.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
