package resource

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/gpu/gputest"
)

var tile = gpu.Extent2D{Width: 10, Height: 10}

func TestDispatchCounts(t *testing.T) {
	counts, err := DispatchCounts(gpu.Extent2D{Width: 800, Height: 600}, tile)
	require.NoError(t, err)
	assert.Equal(t, [3]int{80, 60, 1}, counts)

	_, err = DispatchCounts(gpu.Extent2D{Width: 804, Height: 603}, tile)
	assert.True(t, errors.Is(err, ErrUnaligned))

	_, err = DispatchCounts(gpu.Extent2D{}, tile)
	assert.Error(t, err)

	for w := 10; w <= 400; w += 10 {
		for h := 10; h <= 300; h += 10 {
			counts, err := DispatchCounts(gpu.Extent2D{Width: w, Height: h}, tile)
			require.NoError(t, err)
			assert.Equal(t, w, counts[0]*tile.Width)
			assert.Equal(t, h, counts[1]*tile.Height)
		}
	}
}

type fixture struct {
	ctx     *device.Context
	dev     *gputest.Device
	compute gpu.Pipeline
	present gpu.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	instance := gputest.NewInstance(gputest.NewAdapter("dgpu", gpu.DeviceTypeDiscrete, gpu.FeaturePresentation|gpu.FeatureStorageImageWrite))
	ctx, err := device.Create(instance, gputest.NewSurface(800, 600), device.RequirementsFor(false), nil)
	require.NoError(t, err)

	module, err := ctx.Device.CreateShaderModule([]uint32{0x07230203})
	require.NoError(t, err)
	defer module.Destroy()

	compute, err := ctx.Device.CreateComputePipeline(gpu.ComputePipelineDesc{
		Stage: gpu.ShaderStageDesc{Module: module, Entry: "main_cs", Stage: gpu.StageCompute},
		Layout: gpu.PipelineLayout{Sets: []gpu.SetLayout{{Set: 0, Entries: []gpu.LayoutEntry{
			{Binding: 0, Type: gpu.BindingStorageImage, Count: 1, Stages: gpu.StageCompute},
		}}}},
	})
	require.NoError(t, err)

	present, err := ctx.Device.CreateGraphicsPipeline(gpu.GraphicsPipelineDesc{
		Vertex:      gpu.ShaderStageDesc{Module: module, Entry: "vs_main", Stage: gpu.StageVertex},
		Fragment:    gpu.ShaderStageDesc{Module: module, Entry: "fs_main", Stage: gpu.StageFragment},
		ColorFormat: gpu.FormatBGRA8SRGB,
		Topology:    gpu.TopologyTriangleStrip,
		Layout: gpu.PipelineLayout{Sets: []gpu.SetLayout{{Set: 0, Entries: []gpu.LayoutEntry{
			{Binding: 0, Type: gpu.BindingSampledImage, Count: 1, Stages: gpu.StageFragment},
			{Binding: 1, Type: gpu.BindingSampler, Count: 1, Stages: gpu.StageFragment},
		}}}},
	})
	require.NoError(t, err)

	return &fixture{ctx: ctx, dev: instance.Devices()[0], compute: compute, present: present}
}

func boundExtent(t *testing.T, set gpu.BindSet) gpu.Extent2D {
	t.Helper()
	for _, binding := range set.Bindings() {
		if binding.View != nil {
			return binding.View.Extent()
		}
	}
	t.Fatal("bind set has no image view")
	return gpu.Extent2D{}
}

func TestRebuildBindsNewTarget(t *testing.T) {
	f := newFixture(t)
	binder, err := NewBinder(f.ctx, BinderOptions{Format: gpu.FormatRGBA8Unorm, Pass: f.compute})
	require.NoError(t, err)

	first, err := binder.Rebuild(gpu.Extent2D{Width: 800, Height: 600}, nil)
	require.NoError(t, err)
	assert.Equal(t, gpu.Extent2D{Width: 800, Height: 600}, boundExtent(t, first.PassSet))
	assert.Nil(t, first.PresentSet)

	second, err := binder.Rebuild(gpu.Extent2D{Width: 640, Height: 480}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, second.Extent(), boundExtent(t, second.PassSet))
	assert.Same(t, second, binder.Current())

	// nothing referenced the first generation, so it is gone already
	assert.Zero(t, binder.Retired())
	assert.True(t, first.Target.Image.(*gputest.Image).Destroyed())
	assert.True(t, first.PassSet.(*gputest.BindSet).Destroyed())

	binder.Destroy()
	assert.Equal(t, map[string]int{"pipeline": 2}, f.dev.Live())
	assert.Empty(t, f.dev.Violations)
}

func TestRetiredGenerationWaitsForItsFence(t *testing.T) {
	f := newFixture(t)
	f.dev.Deferred = true
	binder, err := NewBinder(f.ctx, BinderOptions{Format: gpu.FormatRGBA8Unorm, Pass: f.compute})
	require.NoError(t, err)

	old, err := binder.Rebuild(gpu.Extent2D{Width: 800, Height: 600}, nil)
	require.NoError(t, err)

	fence, err := f.ctx.Device.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, f.ctx.Queue.Submit(gpu.SubmitInfo{Fence: fence}))
	old.Use(fence)

	_, err = binder.Rebuild(gpu.Extent2D{Width: 400, Height: 300}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, binder.Retired())
	assert.False(t, old.Target.Image.(*gputest.Image).Destroyed())

	assert.Zero(t, binder.Collect())

	f.dev.Complete()
	assert.Equal(t, 1, binder.Collect())
	assert.Zero(t, binder.Retired())
	assert.True(t, old.Target.Image.(*gputest.Image).Destroyed())
	assert.Empty(t, f.dev.Violations)
}

func TestReleaseBeforeFenceReuse(t *testing.T) {
	f := newFixture(t)
	f.dev.Deferred = true
	binder, err := NewBinder(f.ctx, BinderOptions{Format: gpu.FormatRGBA8Unorm, Pass: f.compute})
	require.NoError(t, err)

	old, err := binder.Rebuild(gpu.Extent2D{Width: 800, Height: 600}, nil)
	require.NoError(t, err)

	fence, err := f.ctx.Device.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, f.ctx.Queue.Submit(gpu.SubmitInfo{Fence: fence}))
	old.Use(fence)

	_, err = binder.Rebuild(gpu.Extent2D{Width: 400, Height: 300}, nil)
	require.NoError(t, err)

	// the slot waits its fence, releases it, then resets and reuses it for
	// the new generation; the old generation must not wait on the reuse
	require.NoError(t, fence.Wait(gpu.NoTimeout))
	binder.Release(fence)
	require.NoError(t, fence.Reset())
	require.NoError(t, f.ctx.Queue.Submit(gpu.SubmitInfo{Fence: fence}))
	binder.Current().Use(fence)

	assert.Zero(t, binder.Retired())
	assert.True(t, old.Target.Image.(*gputest.Image).Destroyed())
	assert.True(t, binder.Current().InFlight())
}

func TestSampledGeneration(t *testing.T) {
	f := newFixture(t)
	binder, err := NewBinder(f.ctx, BinderOptions{Format: gpu.FormatRGBA8Unorm, Pass: f.compute, Present: f.present})
	require.NoError(t, err)

	swapchain, err := f.ctx.Device.CreateSwapchain(f.ctx.Surface, gpu.SwapchainConfig{
		Format:     gpu.SurfaceFormat{Format: gpu.FormatBGRA8SRGB},
		Extent:     gpu.Extent2D{Width: 800, Height: 600},
		ImageCount: 3,
		Usage:      gpu.ImageUsageColorAttachment,
	}, nil)
	require.NoError(t, err)

	gen, err := binder.Rebuild(gpu.Extent2D{Width: 800, Height: 600}, swapchain.Images())
	require.NoError(t, err)
	require.NotNil(t, gen.PresentSet)
	assert.Len(t, gen.Framebuffers, 3)
	assert.Equal(t, gen.Extent(), boundExtent(t, gen.PresentSet))

	binder.Destroy()
	swapchain.Destroy()
	assert.Equal(t, map[string]int{"pipeline": 2}, f.dev.Live())
}

func TestCreateBindSetNeedsResources(t *testing.T) {
	f := newFixture(t)
	_, err := CreateBindSet(f.ctx.Device, f.present, 0, Resources{})
	assert.Error(t, err)

	_, err = CreateBindSet(f.ctx.Device, f.compute, 1, Resources{})
	assert.Error(t, err)
}
