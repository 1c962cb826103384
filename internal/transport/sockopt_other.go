//go:build !linux && !darwin && !windows

package transport

func setSocketOptions(fd uintptr, bufferSize int) {}
