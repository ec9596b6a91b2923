package config

import (
	"fmt"
	"net"
	"strconv"
)

// portScan bounds how far past the preferred port FreePort looks.
const portScan = 200

// ResolvePorts replaces zero Tor ports with free ones, preferring the
// defaults and never handing out the same port twice.
func (c *Config) ResolvePorts() error {
	taken := map[int]bool{}
	for _, p := range []int{c.Tor.ControlPort, c.Tor.SocksPort, c.Tor.HTTPTunnelPort} {
		if p != 0 {
			taken[p] = true
		}
	}
	for _, f := range []struct {
		port *int
		def  int
	}{
		{&c.Tor.ControlPort, DefaultControlPort},
		{&c.Tor.SocksPort, DefaultSocksPort},
		{&c.Tor.HTTPTunnelPort, DefaultHTTPTunnelPort},
	} {
		if *f.port != 0 {
			continue
		}
		p, err := FreePort(c.Tor.ControlHost, f.def, taken)
		if err != nil {
			return err
		}
		*f.port = p
		taken[p] = true
	}
	return nil
}

// FreePort returns the first port at or after start that host can bind and
// that is not in skip.
func FreePort(host string, start int, skip map[int]bool) (int, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	for p := start; p < start+portScan && p <= 65535; p++ {
		if skip[p] {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in %d..%d on %s", start, start+portScan-1, host)
}
