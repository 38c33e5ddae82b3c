package wire

import (
	"fmt"
	"math/rand"
	"net"
)

// PortRange is an inclusive [Lo, Hi] range of TCP ports to bind within.
type PortRange struct {
	Lo, Hi int
}

// DefaultWorkerPortRange is the broker's worker-facing socket range.
var DefaultWorkerPortRange = PortRange{Lo: 54000, Hi: 55000}

// DefaultInterchangePortRange is the client's socket range.
var DefaultInterchangePortRange = PortRange{Lo: 55000, Hi: 56000}

// Listen binds a net.Listener to a free port in the range, starting
// from a random offset and scanning forward with wraparound so every
// port in [Lo, Hi] is tried exactly once. addr is the host/IP to bind
// (e.g. "0.0.0.0" or "127.0.0.1"); port is appended per attempt.
func Listen(addr string, r PortRange) (net.Listener, int, error) {
	if r.Lo > r.Hi {
		return nil, 0, fmt.Errorf("wire: invalid port range [%d, %d]", r.Lo, r.Hi)
	}
	span := r.Hi - r.Lo + 1
	start := rand.Intn(span)
	var lastErr error
	for i := 0; i < span; i++ {
		port := r.Lo + (start+i)%span
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("wire: no free port in range [%d, %d]: %w", r.Lo, r.Hi, lastErr)
}
