package config

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-jsonnet"
)

type Config struct {
	Logger Logger `json:"logger"`
	Pool   Pool   `json:"pool"`
	// Resolver used for rule targets, system resolver if no servers are set
	Resolver Resolver `json:"resolver"`
	// Optional GeoIP2/GeoLite2 country database enabling "geoip:CC" allow patterns
	GeoIP string `json:"geoip"`
	// Optional admin api
	API API `json:"api"`
	// Forward sessions
	Forward []*Forward `json:"forward"`
}

func (c *Config) Load(filename string) (e error) {
	vm := jsonnet.MakeVM()
	jsonStr, e := vm.EvaluateFile(filename)
	if e != nil {
		return
	}
	e = json.Unmarshal([]byte(jsonStr), c)
	if e != nil {
		return
	}
	return
}
func (c *Config) Print(filename string) (e error) {
	vm := jsonnet.MakeVM()
	jsonStr, e := vm.EvaluateFile(filename)
	if e != nil {
		return
	}
	fmt.Print(jsonStr)
	return
}

type Logger struct {
	// "debug" "info" "warn" "error", default "info"
	Level string `json:"level"`
	// add source file and line to logs
	Source bool `json:"source"`
	// "text" or "json", default "text"
	Format string `json:"format"`
}

type Resolver struct {
	// dns servers, "8.8.8.8" or "8.8.8.8:53"
	Servers []string `json:"servers"`
	// query timeout, default 2s
	Timeout string `json:"timeout"`
}

type API struct {
	// listen address, api disabled if empty
	Addr string `json:"addr"`
}

type Pool struct {
	// buffer size of the bridges, default 32k
	Size int `json:"size"`
	// number of idle buffers kept for reuse
	Cache int `json:"cache"`
}
