package mux

import (
	"encoding/binary"
	"errors"
)

var (
	ErrNotHandshake   = errors.New(`not a TLS handshake`)
	ErrNotClientHello = errors.New(`not a Client Hello message`)
	ErrSNINotFound    = errors.New(`SNI not found`)
)

// ServerName parses a TLS record holding a ClientHello and returns the host_name
// of its server_name extension.
//
// Unlike the [https:] heuristic every length field is checked, so the record
// must not be truncated before the extension.
func ServerName(buf []byte) (string, error) {
	if len(buf) < 5 {
		return ``, errors.New(`buffer too short`)
	}
	// record header: type(1) version(2) length(2)
	if buf[0] != 0x16 {
		return ``, ErrNotHandshake
	}
	// handshake header (4) + client version (2) + random (32)
	if len(buf) < 43 || buf[5] != 0x01 {
		return ``, ErrNotClientHello
	}
	pos := 43

	// session id
	if pos >= len(buf) {
		return ``, errors.New(`invalid session ID length`)
	}
	pos += 1 + int(buf[pos])

	// cipher suites
	if pos+2 > len(buf) {
		return ``, errors.New(`invalid cipher suites length`)
	}
	pos += 2 + int(binary.BigEndian.Uint16(buf[pos:]))

	// compression methods
	if pos >= len(buf) {
		return ``, errors.New(`invalid compression methods length`)
	}
	pos += 1 + int(buf[pos])

	if pos+2 > len(buf) {
		return ``, errors.New(`no extensions found`)
	}
	end := pos + 2 + int(binary.BigEndian.Uint16(buf[pos:]))
	pos += 2
	if end > len(buf) {
		return ``, errors.New(`invalid extensions length`)
	}
	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(buf[pos:])
		extLen := int(binary.BigEndian.Uint16(buf[pos+2:]))
		pos += 4
		if pos+extLen > end {
			return ``, errors.New(`invalid extension length`)
		}
		if extType != 0 {
			pos += extLen
			continue
		}

		ext := buf[pos : pos+extLen]
		if len(ext) < 2 {
			return ``, errors.New(`invalid SNI format`)
		}
		list := int(binary.BigEndian.Uint16(ext))
		ext = ext[2:]
		if list > len(ext) {
			return ``, errors.New(`invalid SNI list length`)
		}
		ext = ext[:list]
		for len(ext) >= 3 {
			nameType := ext[0]
			nameLen := int(binary.BigEndian.Uint16(ext[1:]))
			ext = ext[3:]
			if nameLen > len(ext) {
				return ``, errors.New(`invalid SNI name data`)
			}
			if nameType == 0 {
				return string(ext[:nameLen]), nil
			}
			ext = ext[nameLen:]
		}
		return ``, ErrSNINotFound
	}
	return ``, ErrSNINotFound
}
