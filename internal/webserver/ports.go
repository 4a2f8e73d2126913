package webserver

import (
	"fmt"
	"net"

	"github.com/stagepipe/stagepipe/internal/domain"
)

// FindFreePort scans the inclusive port range for a TCP port that binds
// on host, skipping the exclusion list. It returns the first free port.
func FindFreePort(host string, start, end int, excluded []int) (int, error) {
	if start < 1 || end < start || end > 65535 {
		return 0, domain.Invalid("port range", fmt.Sprintf("%d..%d is not a valid range", start, end))
	}
	skip := make(map[int]struct{}, len(excluded))
	for _, p := range excluded {
		skip[p] = struct{}{}
	}

	for port := start; port <= end; port++ {
		if _, ok := skip[port]; ok {
			continue
		}
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port in range %d..%d", domain.ErrUnavailable, start, end)
}
