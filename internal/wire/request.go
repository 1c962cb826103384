package wire

import (
	"strconv"
	"strings"
)

// Range is an inclusive byte range.
type Range struct {
	First int64
	Last  int64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	return r.Last - r.First + 1
}

// Request is a bodiless HTTP/1.1 request.
type Request struct {
	Method    string
	Path      string
	Host      string
	Port      int
	KeepAlive bool
	Range     *Range
}

// Bytes renders the request head.
func (r Request) Bytes() []byte {
	var b strings.Builder
	b.Grow(128 + len(r.Path) + len(r.Host))
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.Path)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(r.Host)
	if r.Port != 0 && r.Port != 80 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.Port))
	}
	b.WriteString("\r\nCache-Control: no-cache\r\n")
	if r.Range != nil {
		b.WriteString("Range: bytes=")
		b.WriteString(strconv.FormatInt(r.Range.First, 10))
		b.WriteByte('-')
		b.WriteString(strconv.FormatInt(r.Range.Last, 10))
		b.WriteString("\r\n")
	}
	if r.KeepAlive {
		b.WriteString("Connection: keep-alive\r\n\r\n")
	} else {
		b.WriteString("Connection: close\r\n\r\n")
	}
	return []byte(b.String())
}
