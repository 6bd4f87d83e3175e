package forwarder

import "errors"

var (
	ErrClosed    = errors.New(`forwarder already closed`)
	errNoNetwork = errors.New(`at least one of tcp and udp must be enabled`)
)
