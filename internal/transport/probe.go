package transport

import (
	"net"
	"time"
)

// ProbeFunc adapts a plain predicate to a connectivity probe.
type ProbeFunc func() bool

func (f ProbeFunc) IsUp() bool {
	return f()
}

// DialProbe reports the link up when a TCP connection to Address succeeds.
type DialProbe struct {
	Address string
	Timeout time.Duration
}

func (p DialProbe) IsUp() bool {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", p.Address, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
