// Package present owns the swapchain: format, present mode and extent
// negotiation, image acquisition, and reconfiguration on resize.
package present

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// Resizer is the part of the window the manager drives when it rejects an
// unaligned extent.
type Resizer interface {
	SetSize(width, height int)
}

type Options struct {
	PresentMode gpu.PresentMode
	// PreferredFormat is used when the surface reports it; otherwise the
	// surface's first format wins.
	PreferredFormat gpu.Format
	// Tile is the work-group shape render extents are quantized to.
	Tile  gpu.Extent2D
	Usage gpu.ImageUsage
	// SnapToTile requests a corrective window resize for unaligned extents.
	SnapToTile bool
}

type Manager struct {
	ctx  *device.Context
	log  *slog.Logger
	opts Options

	swapchain   gpu.Swapchain
	format      gpu.SurfaceFormat
	presentMode gpu.PresentMode
	imageCount  int
	extent      gpu.Extent2D
	stale       bool
	paused      bool
}

// Create negotiates the surface configuration and builds the first swapchain
// for windowExtent.
func Create(ctx *device.Context, windowExtent gpu.Extent2D, opts Options) (*Manager, error) {
	if opts.Tile.Empty() {
		opts.Tile = gpu.Extent2D{Width: 1, Height: 1}
	}
	m := &Manager{
		ctx:  ctx,
		log:  ctx.Logger.With("component", "present"),
		opts: opts,
	}
	if err := m.Reconfigure(windowExtent); err != nil {
		return nil, err
	}
	return m, nil
}

// Quantize rounds extent down to a multiple of tile in each dimension.
func Quantize(extent, tile gpu.Extent2D) gpu.Extent2D {
	if tile.Empty() || extent.Empty() {
		return gpu.Extent2D{}
	}
	return gpu.Extent2D{
		Width:  extent.Width - extent.Width%tile.Width,
		Height: extent.Height - extent.Height%tile.Height,
	}
}

// HandleResize reacts to a window size change. An extent that is not a tile
// multiple is corrected on the window instead of being accepted; the
// returned extent is the aligned one the swapchain will be rebuilt for.
func (m *Manager) HandleResize(extent gpu.Extent2D, window Resizer) (aligned gpu.Extent2D, corrected bool) {
	aligned = Quantize(extent, m.opts.Tile)
	m.stale = true
	if aligned == extent || aligned.Empty() || !m.opts.SnapToTile || window == nil {
		return aligned, false
	}

	m.log.Debug("Snapping window to tile multiple", "from", extent.String(), "to", aligned.String())
	window.SetSize(aligned.Width, aligned.Height)
	return aligned, true
}

func choosePresentMode(available []gpu.PresentMode, preferred gpu.PresentMode) gpu.PresentMode {
	for _, mode := range available {
		if mode == preferred {
			return mode
		}
	}
	return gpu.PresentModeFIFO
}

func chooseFormat(available []gpu.SurfaceFormat, preferred gpu.Format) (gpu.SurfaceFormat, error) {
	if len(available) == 0 {
		return gpu.SurfaceFormat{}, errors.New("surface reports no formats")
	}
	for _, format := range available {
		if format.Format == preferred {
			return format, nil
		}
	}
	return available[0], nil
}

func chooseImageCount(caps gpu.SurfaceCapabilities) int {
	count := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && count > caps.MaxImageCount {
		count = caps.MaxImageCount
	}
	return count
}

func chooseExtent(caps gpu.SurfaceCapabilities, window gpu.Extent2D) gpu.Extent2D {
	if !caps.ExtentUndefined() {
		return caps.CurrentExtent
	}

	extent := window
	extent.Width = max(caps.MinImageExtent.Width, min(caps.MaxImageExtent.Width, extent.Width))
	extent.Height = max(caps.MinImageExtent.Height, min(caps.MaxImageExtent.Height, extent.Height))
	return extent
}

// Reconfigure rebuilds the swapchain for windowExtent, handing the current one
// over as the old swapchain and destroying it afterwards. The caller must make
// sure no in-flight frame still uses the current images. A window too small to
// hold one tile pauses presentation until the next Reconfigure.
func (m *Manager) Reconfigure(windowExtent gpu.Extent2D) error {
	support, err := m.ctx.Adapter.SurfaceSupport(m.ctx.Surface)
	if err != nil {
		return errors.Wrap(err, "query surface support")
	}

	extent := chooseExtent(support.Capabilities, windowExtent)
	if Quantize(extent, m.opts.Tile).Empty() {
		if !m.paused {
			m.log.Info("Presentation paused", "extent", extent.String())
		}
		m.paused = true
		m.stale = true
		return nil
	}

	format, err := chooseFormat(support.Formats, m.opts.PreferredFormat)
	if err != nil {
		return err
	}
	presentMode := choosePresentMode(support.PresentModes, m.opts.PresentMode)
	imageCount := chooseImageCount(support.Capabilities)

	old := m.swapchain
	swapchain, err := m.ctx.Device.CreateSwapchain(m.ctx.Surface, gpu.SwapchainConfig{
		Format:      format,
		Extent:      extent,
		PresentMode: presentMode,
		ImageCount:  imageCount,
		Usage:       m.opts.Usage,
	}, old)
	if err != nil {
		return errors.Wrapf(err, "create swapchain %s", extent)
	}
	if old != nil {
		old.Destroy()
	}

	m.swapchain = swapchain
	m.format = format
	m.presentMode = presentMode
	m.imageCount = len(swapchain.Images())
	m.extent = extent
	m.stale = false
	m.paused = false

	m.log.Info("Configured swapchain",
		"extent", extent.String(),
		"format", format.Format.String(),
		"present_mode", presentMode.String(),
		"images", m.imageCount,
	)
	return nil
}

// Acquire returns the index of the next writable image; semaphore is signaled
// once the image may be written. gpu.ErrOutOfDate and gpu.ErrSurfaceLost are
// returned as is and mark the manager stale. A suboptimal image is returned
// without error, but the manager is marked stale so the caller rebuilds after
// presenting it.
func (m *Manager) Acquire(semaphore gpu.Semaphore) (int, error) {
	if m.paused || m.swapchain == nil {
		return 0, gpu.ErrOutOfDate
	}

	index, err := m.swapchain.AcquireNextImage(semaphore, gpu.NoTimeout)
	switch {
	case err == nil:
		return index, nil
	case errors.Is(err, gpu.ErrSuboptimal):
		m.stale = true
		return index, nil
	case gpu.IsStale(err):
		m.stale = true
		return 0, err
	}
	return 0, errors.Wrap(err, "acquire next image")
}

// Present queues image index for presentation once wait is signaled. Stale
// results mark the manager stale and are returned so the caller can
// reconfigure.
func (m *Manager) Present(index int, wait gpu.Semaphore) error {
	err := m.ctx.Queue.Present(gpu.PresentInfo{
		Swapchain:  m.swapchain,
		ImageIndex: index,
		Wait:       []gpu.Semaphore{wait},
	})
	if gpu.IsStale(err) {
		m.stale = true
	}
	return err
}

// Stale reports whether the swapchain must be rebuilt before the next frame.
func (m *Manager) Stale() bool { return m.stale }

// Paused reports whether the window is too small to render into.
func (m *Manager) Paused() bool { return m.paused }

func (m *Manager) Extent() gpu.Extent2D { return m.extent }

// RenderExtent is the swapchain extent quantized to the tile size: the size of
// the render target and of every dispatch.
func (m *Manager) RenderExtent() gpu.Extent2D { return Quantize(m.extent, m.opts.Tile) }

func (m *Manager) Format() gpu.Format { return m.format.Format }

func (m *Manager) PresentMode() gpu.PresentMode { return m.presentMode }

func (m *Manager) ImageCount() int { return m.imageCount }

func (m *Manager) Images() []gpu.Image {
	if m.swapchain == nil {
		return nil
	}
	return m.swapchain.Images()
}

func (m *Manager) Destroy() {
	if m.swapchain != nil {
		m.swapchain.Destroy()
		m.swapchain = nil
	}
}
