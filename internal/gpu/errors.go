package gpu

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfDate is returned by acquire and present when the swapchain no
	// longer matches its surface.
	ErrOutOfDate = errors.New("swapchain out of date")
	// ErrSurfaceLost is returned by acquire and present when the surface was lost.
	ErrSurfaceLost = errors.New("surface lost")
	// ErrSuboptimal accompanies a usable image whose swapchain should be rebuilt.
	ErrSuboptimal = errors.New("swapchain suboptimal")
	// ErrTimeout is returned by waits that gave up before their object signaled.
	ErrTimeout = errors.New("wait timed out")
	// ErrUnsupported is returned when a backend cannot provide an operation.
	ErrUnsupported = errors.New("operation not supported by device")
)

// IsStale reports whether err means the swapchain must be reconfigured before
// the next frame. Stale errors are recoverable.
func IsStale(err error) bool {
	return errors.Is(err, ErrOutOfDate) || errors.Is(err, ErrSurfaceLost) || errors.Is(err, ErrSuboptimal)
}
