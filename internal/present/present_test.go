package present

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/gpu/gputest"
)

type fakeWindow struct {
	sizes []gpu.Extent2D
}

func (w *fakeWindow) SetSize(width, height int) {
	w.sizes = append(w.sizes, gpu.Extent2D{Width: width, Height: height})
}

func setup(t *testing.T, width, height int) (*device.Context, *gputest.Adapter, *gputest.Surface, *gputest.Device) {
	t.Helper()
	adapter := gputest.NewAdapter("dgpu", gpu.DeviceTypeDiscrete, gpu.FeaturePresentation|gpu.FeatureStorageImageWrite)
	instance := gputest.NewInstance(adapter)
	surface := gputest.NewSurface(width, height)
	ctx, err := device.Create(instance, surface, device.RequirementsFor(false), nil)
	require.NoError(t, err)
	return ctx, adapter, surface, instance.Devices()[0]
}

func defaultOptions() Options {
	return Options{
		PresentMode: gpu.PresentModeMailbox,
		Tile:        gpu.Extent2D{Width: 10, Height: 10},
		Usage:       gpu.ImageUsageTransferDst,
		SnapToTile:  true,
	}
}

func TestQuantize(t *testing.T) {
	tile := gpu.Extent2D{Width: 10, Height: 10}
	assert.Equal(t, gpu.Extent2D{Width: 800, Height: 600}, Quantize(gpu.Extent2D{Width: 804, Height: 603}, tile))
	assert.Equal(t, gpu.Extent2D{Width: 800, Height: 600}, Quantize(gpu.Extent2D{Width: 800, Height: 600}, tile))
	assert.True(t, Quantize(gpu.Extent2D{Width: 9, Height: 600}, tile).Empty())
	assert.True(t, Quantize(gpu.Extent2D{Width: 0, Height: 0}, tile).Empty())

	for w := 1; w < 64; w++ {
		for h := 1; h < 64; h++ {
			q := Quantize(gpu.Extent2D{Width: w, Height: h}, gpu.Extent2D{Width: 8, Height: 4})
			assert.Zero(t, q.Width%8)
			assert.Zero(t, q.Height%4)
			assert.LessOrEqual(t, q.Width, w)
			assert.Greater(t, q.Width+8, w)
		}
	}
}

func TestCreateNegotiates(t *testing.T) {
	ctx, adapter, _, _ := setup(t, 800, 600)
	adapter.Support.Capabilities.MinImageCount = 2
	adapter.Support.Capabilities.MaxImageCount = 3

	m, err := Create(ctx, gpu.Extent2D{Width: 800, Height: 600}, defaultOptions())
	require.NoError(t, err)

	assert.Equal(t, gpu.PresentModeMailbox, m.PresentMode())
	assert.Equal(t, gpu.FormatBGRA8SRGB, m.Format())
	assert.Equal(t, 3, m.ImageCount())
	assert.Len(t, m.Images(), 3)
	assert.Equal(t, gpu.Extent2D{Width: 800, Height: 600}, m.Extent())
}

func TestCreateFallbacks(t *testing.T) {
	ctx, adapter, _, _ := setup(t, 800, 600)
	adapter.Support.PresentModes = []gpu.PresentMode{gpu.PresentModeFIFO}
	adapter.Support.Capabilities.MaxImageCount = 2

	opts := defaultOptions()
	opts.PreferredFormat = gpu.FormatRGBA8Unorm
	m, err := Create(ctx, gpu.Extent2D{Width: 800, Height: 600}, opts)
	require.NoError(t, err)

	assert.Equal(t, gpu.PresentModeFIFO, m.PresentMode())
	assert.Equal(t, gpu.FormatRGBA8Unorm, m.Format())
	assert.Equal(t, 2, m.ImageCount())
}

func TestUndefinedSurfaceExtentUsesClampedWindow(t *testing.T) {
	ctx, adapter, surface, _ := setup(t, -1, -1)
	adapter.Support.Capabilities.MaxImageExtent = gpu.Extent2D{Width: 640, Height: 480}

	m, err := Create(ctx, gpu.Extent2D{Width: 800, Height: 300}, defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, gpu.Extent2D{Width: 640, Height: 300}, m.Extent())
	assert.Equal(t, -1, surface.Extent.Width)
}

func TestHandleResizeCorrectsUnalignedExtent(t *testing.T) {
	ctx, _, _, _ := setup(t, 800, 600)
	m, err := Create(ctx, gpu.Extent2D{Width: 800, Height: 600}, defaultOptions())
	require.NoError(t, err)

	window := &fakeWindow{}
	aligned, corrected := m.HandleResize(gpu.Extent2D{Width: 804, Height: 603}, window)
	assert.True(t, corrected)
	assert.Equal(t, gpu.Extent2D{Width: 800, Height: 600}, aligned)
	assert.Equal(t, []gpu.Extent2D{{Width: 800, Height: 600}}, window.sizes)
	assert.True(t, m.Stale())

	aligned, corrected = m.HandleResize(gpu.Extent2D{Width: 1024, Height: 770}, window)
	assert.True(t, corrected)
	assert.Equal(t, gpu.Extent2D{Width: 1020, Height: 770}, aligned)
	assert.Len(t, window.sizes, 2)
	assert.Equal(t, gpu.Extent2D{Width: 1020, Height: 770}, window.sizes[1])

	_, corrected = m.HandleResize(gpu.Extent2D{Width: 640, Height: 480}, window)
	assert.False(t, corrected)
	assert.Len(t, window.sizes, 2)
}

func TestAcquireStaleAndReconfigure(t *testing.T) {
	ctx, _, surface, dev := setup(t, 800, 600)
	m, err := Create(ctx, gpu.Extent2D{Width: 800, Height: 600}, defaultOptions())
	require.NoError(t, err)

	sem, err := ctx.Device.CreateSemaphore()
	require.NoError(t, err)

	surface.Resize(640, 480)
	_, err = m.Acquire(sem)
	assert.ErrorIs(t, err, gpu.ErrOutOfDate)
	assert.True(t, m.Stale())

	require.NoError(t, m.Reconfigure(gpu.Extent2D{Width: 640, Height: 480}))
	assert.False(t, m.Stale())
	assert.Equal(t, gpu.Extent2D{Width: 640, Height: 480}, m.Extent())
	require.Len(t, dev.Swapchains, 2)
	assert.Equal(t, 1, dev.Live()["swapchain"])

	index, err := m.Acquire(sem)
	require.NoError(t, err)
	assert.Equal(t, 0, index)
}

func TestAcquireSuboptimalStillYieldsImage(t *testing.T) {
	ctx, _, _, dev := setup(t, 800, 600)
	m, err := Create(ctx, gpu.Extent2D{Width: 800, Height: 600}, defaultOptions())
	require.NoError(t, err)

	sem, err := ctx.Device.CreateSemaphore()
	require.NoError(t, err)

	dev.ScriptAcquire(gpu.ErrSuboptimal)
	index, err := m.Acquire(sem)
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	assert.True(t, m.Stale())
}

func TestPausedWhileMinimized(t *testing.T) {
	ctx, _, surface, dev := setup(t, 800, 600)
	m, err := Create(ctx, gpu.Extent2D{Width: 800, Height: 600}, defaultOptions())
	require.NoError(t, err)

	surface.Resize(0, 0)
	require.NoError(t, m.Reconfigure(gpu.Extent2D{}))
	assert.True(t, m.Paused())
	assert.Len(t, dev.Swapchains, 1)

	sem, err := ctx.Device.CreateSemaphore()
	require.NoError(t, err)
	_, err = m.Acquire(sem)
	assert.ErrorIs(t, err, gpu.ErrOutOfDate)

	surface.Resize(400, 300)
	require.NoError(t, m.Reconfigure(gpu.Extent2D{Width: 400, Height: 300}))
	assert.False(t, m.Paused())
	assert.Equal(t, gpu.Extent2D{Width: 400, Height: 300}, m.RenderExtent())
}

func TestRenderExtentQuantizesSwapchain(t *testing.T) {
	ctx, _, _, _ := setup(t, 804, 603)
	m, err := Create(ctx, gpu.Extent2D{Width: 804, Height: 603}, defaultOptions())
	require.NoError(t, err)

	assert.Equal(t, gpu.Extent2D{Width: 804, Height: 603}, m.Extent())
	assert.Equal(t, gpu.Extent2D{Width: 800, Height: 600}, m.RenderExtent())
}
