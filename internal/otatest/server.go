// Package otatest provides a scriptable firmware server and an in-memory sink
// for exercising the updater over real loopback connections.
package otatest

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/tanq16/gsmota/internal/utils"
	"github.com/tanq16/gsmota/internal/wire"
)

const (
	ImagePath    = "/fw/app.bin"
	ManifestPath = "/fota/manifest.json"
)

// Pattern returns n deterministic bytes.
func Pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// Request is what the server saw.
type Request struct {
	Method    string
	Path      string
	Query     string
	Range     *wire.Range
	KeepAlive bool
}

// Fault scripts a misbehaving response to one image GET.
type Fault struct {
	Status      int    // replaces the status code when non-zero
	ContentType string // replaces the content type when set
	Truncate    int    // send only this many body bytes, then close
	Hangup      bool
	// Stall keeps the connection open and silent after the Truncate bytes
	// instead of closing it.
	Stall bool
}

type Server struct {
	Image        []byte
	AcceptRanges bool
	ContentType  string
	KeepAlive    bool

	Manifest            []byte
	ManifestContentType string
	ManifestLength      int64 // declared length override

	// Faults keyed by the ordinal of the image GET (0-based).
	Faults map[int]Fault
	// RangeCap limits the span of every 206 response when non-zero.
	RangeCap int64

	Host string
	Port int

	mu       sync.Mutex
	requests []Request
	gets     int
	ln       net.Listener
	done     chan struct{}
}

type ServerOption func(*Server)

func WithoutRanges() ServerOption    { return func(s *Server) { s.AcceptRanges = false } }
func WithoutKeepAlive() ServerOption { return func(s *Server) { s.KeepAlive = false } }

// WithRangeCap serves at most n bytes per ranged response.
func WithRangeCap(n int64) ServerOption { return func(s *Server) { s.RangeCap = n } }

func WithContentType(ct string) ServerOption {
	return func(s *Server) { s.ContentType = ct }
}

// WithFault scripts the n-th image GET.
func WithFault(n int, f Fault) ServerOption {
	return func(s *Server) { s.Faults[n] = f }
}

// WithManifest serves body at ManifestPath. A non-zero declared length
// replaces the real Content-Length.
func WithManifest(body []byte, declared int64) ServerOption {
	return func(s *Server) {
		s.Manifest = body
		s.ManifestLength = declared
	}
}

func WithManifestContentType(ct string) ServerOption {
	return func(s *Server) { s.ManifestContentType = ct }
}

// NewServer starts a server on loopback; it stops when the test ends.
// Options are applied before the first connection is accepted.
func NewServer(t testing.TB, image []byte, opts ...ServerOption) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		Image:               image,
		AcceptRanges:        true,
		ContentType:         utils.ContentTypeFirmware,
		KeepAlive:           true,
		ManifestContentType: utils.ContentTypeManifest,
		Faults:              map[int]Fault{},
		Host:                "127.0.0.1",
		Port:                ln.Addr().(*net.TCPAddr).Port,
		ln:                  ln,
		done:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.serve()
	t.Cleanup(func() {
		close(s.done)
		ln.Close()
	})
	return s
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// SetManifest replaces the manifest body while the server is running.
func (s *Server) SetManifest(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Manifest = body
}

// ImageGets returns the GET requests for the image in order.
func (s *Server) ImageGets() []Request {
	var gets []Request
	for _, r := range s.Requests() {
		if r.Method == http.MethodGet && r.Path == ImagePath {
			gets = append(gets, r)
		}
	}
	return gets
}

// ManifestTarget returns host, port and path of the manifest route.
func (s *Server) ManifestTarget() (string, int, string) {
	return s.Host, s.Port, ManifestPath
}

// Descriptor points at the served image.
func (s *Server) Descriptor(checksum string) utils.UpdateDescriptor {
	return utils.UpdateDescriptor{Host: s.Host, Port: s.Port, Path: ImagePath, Checksum: checksum}
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		if !s.respond(conn, req) {
			return
		}
	}
}

// SilentListener accepts connections and never answers them.
func SilentListener(t testing.TB) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

// respond writes one response and reports whether the connection stays open.
func (s *Server) respond(conn net.Conn, req *http.Request) bool {
	rec := Request{Method: req.Method, Path: req.URL.Path, Query: req.URL.RawQuery, KeepAlive: !req.Close}
	if rng, ok := parseRange(req.Header.Get("Range")); ok {
		rec.Range = &rng
	}
	s.mu.Lock()
	s.requests = append(s.requests, rec)
	fault, faulty := Fault{}, false
	if req.Method == http.MethodGet && req.URL.Path == ImagePath {
		fault, faulty = s.Faults[s.gets]
		s.gets++
	}
	manifest := s.Manifest
	s.mu.Unlock()

	switch {
	case req.URL.Path == ManifestPath && req.Method == http.MethodGet && manifest != nil:
		length := int64(len(manifest))
		if s.ManifestLength != 0 {
			length = s.ManifestLength
		}
		writeHead(conn, 200, []string{
			"Content-Type: " + s.ManifestContentType,
			"Content-Length: " + strconv.FormatInt(length, 10),
			"Connection: close",
		})
		conn.Write(manifest)
		return false
	case req.URL.Path != ImagePath:
		writeHead(conn, 404, []string{"Content-Length: 0", "Connection: close"})
		return false
	}

	if faulty && fault.Hangup {
		return false
	}
	keepAlive := s.KeepAlive && rec.KeepAlive
	status, body := 200, s.Image
	contentType := s.ContentType
	if faulty && fault.ContentType != "" {
		contentType = fault.ContentType
	}
	headers := []string{"Content-Type: " + contentType}
	if s.AcceptRanges {
		headers = append(headers, "Accept-Ranges: bytes")
	}
	if rec.Range != nil && s.AcceptRanges && req.Method == http.MethodGet {
		first, last := rec.Range.First, min(rec.Range.Last, int64(len(s.Image))-1)
		if s.RangeCap > 0 {
			last = min(last, first+s.RangeCap-1)
		}
		status, body = 206, s.Image[first:last+1]
		headers = append(headers, fmt.Sprintf("Content-Range: bytes %d-%d/%d", first, last, len(s.Image)))
	}
	if faulty && fault.Status != 0 {
		status = fault.Status
	}
	headers = append(headers, "Content-Length: "+strconv.Itoa(len(body)))
	if keepAlive {
		headers = append(headers, "Connection: keep-alive")
	} else {
		headers = append(headers, "Connection: close")
	}
	writeHead(conn, status, headers)
	if req.Method == http.MethodHead {
		return keepAlive
	}
	if faulty && fault.Stall {
		conn.Write(body[:min(fault.Truncate, len(body))])
		<-s.done
		return false
	}
	if faulty && fault.Truncate > 0 {
		conn.Write(body[:min(fault.Truncate, len(body))])
		return false
	}
	conn.Write(body)
	return keepAlive
}

func writeHead(conn net.Conn, status int, headers []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	conn.Write([]byte(b.String()))
}

func parseRange(v string) (wire.Range, bool) {
	rng, ok := strings.CutPrefix(v, "bytes=")
	if !ok {
		return wire.Range{}, false
	}
	a, b, ok := strings.Cut(rng, "-")
	if !ok {
		return wire.Range{}, false
	}
	first, err1 := strconv.ParseInt(a, 10, 64)
	last, err2 := strconv.ParseInt(b, 10, 64)
	if err1 != nil || err2 != nil {
		return wire.Range{}, false
	}
	return wire.Range{First: first, Last: last}, true
}
