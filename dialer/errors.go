package dialer

import "errors"

var ErrClosed = errors.New(`dialer already closed`)
var errProxyScheme = errors.New(`proxy scheme must be "socks5"`)
var errPipeUnsupported = errors.New(`pipe targets need an in-process network`)
var errPipeName = errors.New(`pipe name must not be empty`)
