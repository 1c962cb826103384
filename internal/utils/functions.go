package utils

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// DeviceID derives a stable identifier from the first hardware address of the
// host, rendered the way the device firmware prints its eFuse MAC.
func DeviceID() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("error listing interfaces: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		return MACToDeviceID(iface.HardwareAddr), nil
	}
	return "", fmt.Errorf("no hardware address found")
}

// MACToDeviceID packs a 6 byte MAC little-endian into a uint64 and formats it
// in decimal.
func MACToDeviceID(mac net.HardwareAddr) string {
	var buf [8]byte
	copy(buf[:], mac)
	return strconv.FormatUint(binary.LittleEndian.Uint64(buf[:]), 10)
}

// WithQuery appends key=value to a request path.
func WithQuery(path, key, value string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + key + "=" + value
}
