package mux

import "net/netip"

// Plugin decides where the traffic of a connection is forwarded and whether the
// connection may be forwarded at all.
//
// OnlySingleTarget, DecideTarget and TestIPAddr never modify the plugin and may be
// called from any number of goroutines. Transform is the only method allowed to
// keep state, calls to it must be serialized per instance.
type Plugin interface {
	// OnlySingleTarget returns the backend when every connection is routed to the
	// same address, so the caller can dial it without reading any bytes.
	OnlySingleTarget() (addr netip.AddrPort, ok bool)
	// DecideTarget returns the backend for the leading bytes b received from src.
	// ok is false when no rule matches and the connection must be rejected.
	DecideTarget(b []byte, src netip.AddrPort) (addr netip.AddrPort, ok bool)
	// TestIPAddr reports whether src is admitted.
	TestIPAddr(src netip.AddrPort) bool
	// Transform may rewrite a chunk before it is sent to the backend.
	// ok is false when b should be sent unmodified.
	Transform(b []byte) (out []byte, ok bool)
}
