package portutil

import (
	"fmt"
	"net"
	"strconv"
)

// AllocatePort allocates an available port using OS assignment.
// This approach is thread-safe and avoids port conflicts.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// IsAvailable reports whether a TCP listener can bind host:port right now.
// The probe listener is closed before returning, so the answer is only a
// snapshot; callers should still handle a failed bind on the real listener.
func IsAvailable(host string, port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// FindAvailable returns the first bindable port in [start, start+tries).
// The range is clamped at 65535. It returns an error when every candidate
// in the range is taken.
func FindAvailable(host string, start, tries int) (int, error) {
	if start < 1 || start > 65535 {
		return 0, fmt.Errorf("invalid start port: %d", start)
	}
	if tries < 1 {
		tries = 1
	}
	end := start + tries
	if end > 65536 {
		end = 65536
	}
	for port := start; port < end; port++ {
		if IsAvailable(host, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port in range %d-%d", start, end-1)
}
