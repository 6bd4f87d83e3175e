package config

import "github.com/powerpuffpenguin/muxf/mux"

// Forward is one forward session: a listen address shared by tcp and udp, the
// routing rules and the source addresses allowed to use it.
type Forward struct {
	// Custom name recorded in logs
	Tag string `json:"tag"`
	// "tcp" "unix" or "pipe" for the tcp listener, default "tcp"
	Network string `json:"network"`
	// listen host:port
	Listen string `json:"listen"`
	// enable tcp forwarding
	TCP bool `json:"tcp"`
	// enable udp forwarding
	UDP bool `json:"udp"`

	// Routing rules, the first match wins
	//  * {pattern: '[ssh]', to: '127.0.0.1:22'}
	//  * {pattern: '[http:example.com]', to: '127.0.0.1:80'}
	//  * {pattern: '[https:example.com]', to: '127.0.0.1:443'}
	//  * {pattern: '[socks5]', to: '127.0.0.1:1080'}
	//  * {pattern: '.*', to: '127.0.0.1:8080'}
	Rules []mux.Rule `json:"rules"`
	// Source addresses allowed, empty allows everyone
	//  * '127.0.0.1'
	//  * '10.0.0.0/8'
	//  * '192.168.*.*'
	//  * 'geoip:CN'
	Allow []string `json:"allow"`

	// How long to wait for the first bytes, default 500ms
	Sniff string `json:"sniff"`
	// Sniff buffer size, default 2048, at most the pool size
	Size int `json:"size"`
	// when one of the two ends of the bridge is disconnected, how long does it take to close the other end? There may still be data in the cache or network at one end of the unbroken connection.
	// In order for this data to be completely forwarded, a reasonable waiting time needs to be set.
	// Default "1s"
	Close string `json:"close"`

	Dialer     Dialer `json:"dialer"`
	UDPOptions UDP    `json:"udpOptions"`
}

// UDP configures the udp flows of a forward session.
type UDP struct {
	// a flow is removed after this long without traffic, default "60s"
	Timeout string `json:"timeout"`
	// largest datagram forwarded, default 2048
	Size int `json:"size"`
}
