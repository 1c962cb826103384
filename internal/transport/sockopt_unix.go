//go:build linux || darwin

package transport

import (
	"syscall"
)

func setSocketOptions(fd uintptr, bufferSize int) {
	syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1) // request lines go out at once
	syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, bufferSize)
}
