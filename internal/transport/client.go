// Package transport provides the byte-stream link the updater talks HTTP over.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Client is a single reusable stream connection with line and fixed-length
// reads bounded by a timeout.
type Client interface {
	Connect(ctx context.Context, host string, port int) error
	Write(p []byte) (int, error)
	// WaitForData blocks until at least one byte is readable or the timeout
	// elapses.
	WaitForData(timeout time.Duration) error
	ReadLine() (string, error)
	// ReadBytes fills buf and returns how many bytes arrived before the stream
	// closed or timed out.
	ReadBytes(buf []byte) (int, error)
	// Read returns whatever is available, for streaming.
	Read(p []byte) (int, error)
	// Flush discards any unread buffered input.
	Flush()
	Connected() bool
	SetTimeout(d time.Duration)
	Close() error
}

type TCPConfig struct {
	DialTimeout time.Duration
	KATimeout   time.Duration
	Timeout     time.Duration
	BufferSize  int
	// SocketBuffer sets the kernel receive buffer; zero keeps the OS default.
	SocketBuffer int
}

// TCPClient implements Client over net.Conn.
type TCPClient struct {
	config TCPConfig
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	broken bool
}

func NewTCPClient(cfg TCPConfig) *TCPClient {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4096
	}
	return &TCPClient{config: cfg}
}

var ErrNotConnected = errors.New("not connected")

func (c *TCPClient) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	dialer := &net.Dialer{
		Timeout:   c.config.DialTimeout,
		KeepAlive: c.config.KATimeout,
	}
	if size := c.config.SocketBuffer; size > 0 {
		dialer.Control = func(network, address string, rc syscall.RawConn) error {
			return rc.Control(func(fd uintptr) {
				setSocketOptions(fd, size)
			})
		}
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("error connecting to %s:%d: %w", host, port, err)
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, c.config.BufferSize)
	c.broken = false
	return nil
}

func (c *TCPClient) Write(p []byte) (int, error) {
	conn, _, err := c.current()
	if err != nil {
		return 0, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout()))
	n, err := conn.Write(p)
	if err != nil {
		c.markBroken()
	}
	return n, err
}

func (c *TCPClient) WaitForData(timeout time.Duration) error {
	conn, reader, err := c.current()
	if err != nil {
		return err
	}
	if reader.Buffered() > 0 {
		return nil
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, err = reader.Peek(1)
	if err != nil && !IsTimeout(err) {
		c.markBroken()
	}
	return err
}

func (c *TCPClient) ReadLine() (string, error) {
	conn, reader, err := c.current()
	if err != nil {
		return "", err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout()))
	line, err := reader.ReadString('\n')
	if err != nil {
		if !IsTimeout(err) {
			c.markBroken()
		}
		return line, err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *TCPClient) ReadBytes(buf []byte) (int, error) {
	conn, reader, err := c.current()
	if err != nil {
		return 0, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout()))
	n, err := io.ReadFull(reader, buf)
	if err != nil && !IsTimeout(err) {
		c.markBroken()
	}
	return n, err
}

func (c *TCPClient) Read(p []byte) (int, error) {
	conn, reader, err := c.current()
	if err != nil {
		return 0, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout()))
	n, err := reader.Read(p)
	if err != nil && !IsTimeout(err) {
		c.markBroken()
	}
	return n, err
}

func (c *TCPClient) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		_, _ = c.reader.Discard(c.reader.Buffered())
	}
}

// Connected reports whether the connection is open and the peer has not
// closed it. Pending response bytes count as connected.
func (c *TCPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.broken {
		return false
	}
	if c.reader.Buffered() > 0 {
		return true
	}
	_ = c.conn.SetReadDeadline(time.Now())
	_, err := c.reader.Peek(1)
	if err == nil || IsTimeout(err) {
		return true
	}
	c.broken = true
	return false
}

func (c *TCPClient) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.config.Timeout = d
	}
}

func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *TCPClient) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.broken = false
	return err
}

func (c *TCPClient) current() (net.Conn, *bufio.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, nil, ErrNotConnected
	}
	return c.conn, c.reader, nil
}

func (c *TCPClient) timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Timeout
}

func (c *TCPClient) markBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
}

// IsTimeout reports whether err is a deadline expiry rather than a broken link.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
