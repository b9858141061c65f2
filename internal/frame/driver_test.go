package frame

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/raytracer/internal/accel"
	"github.com/vkngwrapper/raytracer/internal/config"
	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/gpu/gputest"
	"github.com/vkngwrapper/raytracer/internal/pipeline"
	"github.com/vkngwrapper/raytracer/internal/present"
	"github.com/vkngwrapper/raytracer/internal/resource"
	"github.com/vkngwrapper/raytracer/internal/scene"
)

var tile = gpu.Extent2D{Width: 10, Height: 10}

const allFeatures = gpu.FeaturePresentation | gpu.FeatureStorageImageWrite |
	gpu.FeatureBufferDeviceAddress | gpu.FeatureAccelerationStructure | gpu.FeatureRayTracingPipeline

type fakeWindow struct {
	sizes []gpu.Extent2D
}

func (w *fakeWindow) SetSize(width, height int) {
	w.sizes = append(w.sizes, gpu.Extent2D{Width: width, Height: height})
}

type rig struct {
	t       *testing.T
	ctx     *device.Context
	dev     *gputest.Device
	surface *gputest.Surface
	window  *fakeWindow
	manager *present.Manager
	binder  *resource.Binder
	driver  *Driver
	cleanup []func()
}

// newRig wires a driver for strategy on the in-memory backend. instances
// populates the top-level structure of a ray tracing pass.
func newRig(t *testing.T, strategy Strategy, instances []accel.Instance) *rig {
	t.Helper()
	return newRigAt(t, strategy, instances, gpu.Extent2D{Width: 800, Height: 600})
}

// newRigAt is newRig with a window of the given size at startup.
func newRigAt(t *testing.T, strategy Strategy, instances []accel.Instance, extent gpu.Extent2D) *rig {
	t.Helper()
	r := &rig{t: t, window: &fakeWindow{}}

	rayTracing := strategy.Pass == PassRayTrace
	r.surface = gputest.NewSurface(extent.Width, extent.Height)
	ctx, err := device.Create(gputest.NewInstance(gputest.NewAdapter("gpu", gpu.DeviceTypeDiscrete, allFeatures)), r.surface, device.RequirementsFor(rayTracing), nil)
	require.NoError(t, err)
	r.ctx = ctx
	r.dev = ctx.Device.(*gputest.Device)

	r.manager, err = present.Create(ctx, extent, present.Options{
		PresentMode:     gpu.PresentModeFIFO,
		PreferredFormat: gpu.FormatBGRA8SRGB,
		Tile:            tile,
		Usage:           strategy.SwapchainUsage(),
		SnapToTile:      true,
	})
	require.NoError(t, err)

	module, err := r.dev.CreateShaderModule([]uint32{0x07230203})
	require.NoError(t, err)
	defer module.Destroy()

	opts := Options{
		Strategy:     strategy,
		Tile:         tile,
		Window:       r.window,
		WindowExtent: extent,
	}
	binderOpts := resource.BinderOptions{Format: gpu.FormatRGBA8Unorm}

	if rayTracing {
		opts.Pass, err = r.dev.CreateRayTracingPipeline(gpu.RayTracingPipelineDesc{
			Stages: []gpu.ShaderStageDesc{
				{Module: module, Entry: "generate_rays", Stage: gpu.StageRayGeneration},
				{Module: module, Entry: "ray_miss", Stage: gpu.StageMiss},
				{Module: module, Entry: "ray_hit", Stage: gpu.StageClosestHit},
			},
			Groups: []gpu.ShaderGroup{
				{Type: gpu.ShaderGroupGeneral, General: 0, ClosestHit: gpu.UnusedShader},
				{Type: gpu.ShaderGroupGeneral, General: 1, ClosestHit: gpu.UnusedShader},
				{Type: gpu.ShaderGroupTrianglesHit, General: gpu.UnusedShader, ClosestHit: 2},
			},
			MaxRecursionDepth: 1,
			Layout: gpu.PipelineLayout{
				Sets: []gpu.SetLayout{{Set: 0, Entries: []gpu.LayoutEntry{
					{Binding: 0, Type: gpu.BindingAccelerationStructure, Count: 1, Stages: gpu.StageRayGeneration},
					{Binding: 1, Type: gpu.BindingStorageImage, Count: 1, Stages: gpu.StageRayGeneration},
				}}},
				PushConstants: gpu.PushConstantRange{Size: scene.TraceConstantsSize, Stages: gpu.StageRayGeneration},
			},
		})
		require.NoError(t, err)

		table, err := pipeline.NewShaderBindingTable(r.dev, opts.Pass, 1, 1)
		require.NoError(t, err)
		r.cleanup = append(r.cleanup, table.Destroy)
		opts.Regions = table.Regions

		sc := scene.FromConfig(config.Default().Scene)
		opts.Constants = func(extent gpu.Extent2D) []byte { return sc.TraceConstants(extent).Encode() }

		builder, err := accel.NewBuilder(ctx)
		require.NoError(t, err)
		blas, err := builder.BuildBLAS(accel.Quad())
		require.NoError(t, err)
		tlas, err := builder.BuildTLAS(instances)
		require.NoError(t, err)
		require.NoError(t, builder.Submit(ctx.Queue))
		builder.Destroy()
		r.cleanup = append(r.cleanup, tlas.Destroy, blas.Destroy)
		binderOpts.Structure = tlas.Structure
	} else {
		opts.Pass, err = r.dev.CreateComputePipeline(gpu.ComputePipelineDesc{
			Stage: gpu.ShaderStageDesc{Module: module, Entry: "main_cs", Stage: gpu.StageCompute},
			Layout: gpu.PipelineLayout{Sets: []gpu.SetLayout{{Set: 0, Entries: []gpu.LayoutEntry{
				{Binding: 0, Type: gpu.BindingStorageImage, Count: 1, Stages: gpu.StageCompute},
			}}}},
		})
		require.NoError(t, err)
	}
	r.cleanup = append(r.cleanup, opts.Pass.Destroy)
	binderOpts.Pass = opts.Pass

	if strategy.Composition == CompositionSampled {
		opts.Present, err = r.dev.CreateGraphicsPipeline(gpu.GraphicsPipelineDesc{
			Vertex:      gpu.ShaderStageDesc{Module: module, Entry: "vs_main", Stage: gpu.StageVertex},
			Fragment:    gpu.ShaderStageDesc{Module: module, Entry: "fs_main", Stage: gpu.StageFragment},
			ColorFormat: r.manager.Format(),
			Topology:    gpu.TopologyTriangleStrip,
			Layout: gpu.PipelineLayout{Sets: []gpu.SetLayout{{Set: 0, Entries: []gpu.LayoutEntry{
				{Binding: 0, Type: gpu.BindingSampledImage, Count: 1, Stages: gpu.StageFragment},
				{Binding: 1, Type: gpu.BindingSampler, Count: 1, Stages: gpu.StageFragment},
			}}}},
		})
		require.NoError(t, err)
		r.cleanup = append(r.cleanup, opts.Present.Destroy)
		binderOpts.Present = opts.Present
	}

	r.binder, err = resource.NewBinder(ctx, binderOpts)
	require.NoError(t, err)

	r.driver, err = New(ctx, r.manager, r.binder, opts)
	require.NoError(t, err)
	return r
}

func (r *rig) draw(frames int) {
	r.t.Helper()
	for i := 0; i < frames; i++ {
		require.NoError(r.t, r.driver.DrawFrame())
		require.Equal(r.t, StateIdle, r.driver.State())
	}
}

// close shuts everything down and checks the device saw no misuse and has no
// live objects left.
func (r *rig) close() {
	r.t.Helper()
	r.driver.Shutdown()
	r.binder.Destroy()
	r.manager.Destroy()
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
	assert.Empty(r.t, r.dev.Violations)
	assert.Empty(r.t, r.dev.Live())
	r.ctx.Destroy()
	assert.True(r.t, r.dev.Destroyed)
}

func (r *rig) lastPresent() gputest.Present {
	r.t.Helper()
	require.NotEmpty(r.t, r.dev.Presents)
	return r.dev.Presents[len(r.dev.Presents)-1]
}

func assertFilled(t *testing.T, p gputest.Present, color gputest.Color) {
	t.Helper()
	require.NotEmpty(t, p.Pixels)
	for i, pixel := range p.Pixels {
		if pixel != color {
			t.Fatalf("pixel %d is %v, want %v", i, pixel, color)
		}
	}
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

func TestStrategyFromConfig(t *testing.T) {
	cfg := config.Default().Render
	strategy, err := StrategyFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncWait, FramesInFlight: 2}, strategy)
	assert.Equal(t, "compute/copy/wait", strategy.String())

	cfg.Pass, cfg.Composition, cfg.Sync, cfg.FramesInFlight = config.PassRayTrace, config.CompositionSampled, config.SyncPipelined, 3
	strategy, err = StrategyFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "raytrace/sampled/pipelined", strategy.String())
	assert.Equal(t, 3, strategy.framesInFlight(8))
	assert.Equal(t, 2, strategy.framesInFlight(2))
	assert.Equal(t, gpu.ImageUsageColorAttachment, strategy.SwapchainUsage())

	strategy.Sync = SyncWait
	assert.Equal(t, 1, strategy.framesInFlight(8))

	cfg.Pass = "raster"
	_, err = StrategyFromConfig(cfg)
	assert.Error(t, err)
}

func TestComputeCopyFrame(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncWait}, nil)
	r.draw(1)

	assert.Equal(t, [][3]int{{80, 60, 1}}, r.dev.Dispatches)
	require.Len(t, r.dev.Submissions, 1)
	submission := r.dev.Submissions[0]
	assert.Equal(t, []string{
		"transition", "bind-pipeline", "bind-set", "dispatch",
		"transition", "transition", "blit", "transition",
	}, submission.OpNames())
	assert.Equal(t, []gpu.PipelineStage{gpu.PipelineStageTransfer}, submission.Info.WaitStages)
	assert.True(t, submission.Completed)

	p := r.lastPresent()
	assert.NoError(t, p.Err)
	assertFilled(t, p, gputest.Magenta)

	stats := r.driver.Stats()
	assert.Equal(t, 1, stats.Presented)
	assert.Equal(t, 0, stats.Dropped)
	r.close()
}

func TestComputeSampledFrame(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionSampled, Sync: SyncWait}, nil)
	r.draw(2)

	require.Len(t, r.dev.Submissions, 2)
	assert.Equal(t, []string{
		"transition", "bind-pipeline", "bind-set", "dispatch",
		"transition", "begin-render-pass", "bind-pipeline", "bind-set", "draw", "end-render-pass",
	}, r.dev.Submissions[1].OpNames())
	assert.Equal(t, []gpu.PipelineStage{gpu.PipelineStageColorAttachmentOutput}, r.dev.Submissions[1].Info.WaitStages)

	for _, p := range r.dev.Presents {
		assertFilled(t, p, gputest.Magenta)
	}
	assert.NotEqual(t, r.dev.Presents[0].ImageIndex, r.dev.Presents[1].ImageIndex)
	r.close()
}

func TestRayTraceMissesEmptyScene(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassRayTrace, Composition: CompositionCopy, Sync: SyncWait}, nil)
	r.draw(1)

	assert.Equal(t, [][3]int{{800, 600, 1}}, r.dev.Traces)
	ops := r.dev.Submissions[len(r.dev.Submissions)-1].Ops
	require.Equal(t, "push-constants", ops[3].Name)
	assert.Len(t, ops[3].Data, scene.TraceConstantsSize)

	assertFilled(t, r.lastPresent(), gputest.Background)
	r.close()
}

func TestRayTraceHitsInstance(t *testing.T) {
	instances := scene.FromConfig(config.Default().Scene).Instances
	require.Len(t, instances, 1)

	r := newRig(t, Strategy{Pass: PassRayTrace, Composition: CompositionSampled, Sync: SyncWait}, instances)
	r.draw(1)

	assertFilled(t, r.lastPresent(), gputest.Magenta)
	r.close()
}

func TestStaleAcquireSkipsRecording(t *testing.T) {
	for _, stale := range []error{gpu.ErrOutOfDate, gpu.ErrSurfaceLost} {
		t.Run(stale.Error(), func(t *testing.T) {
			r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncWait}, nil)
			r.dev.ScriptAcquire(stale)

			r.draw(1)
			assert.Empty(t, r.dev.Submissions, "a stale acquire must not record or submit")
			assert.Empty(t, r.dev.Presents)
			assert.Len(t, r.dev.Swapchains, 2)

			stats := r.driver.Stats()
			assert.Equal(t, 1, stats.Skipped)
			assert.Equal(t, 1, stats.Resizes)

			r.draw(1)
			assert.Len(t, r.dev.Submissions, 1)
			assert.Equal(t, 1, r.driver.Stats().Presented)
			r.close()
		})
	}
}

func TestSuboptimalAcquirePresentsThenRebuilds(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncWait}, nil)
	r.dev.ScriptAcquire(gpu.ErrSuboptimal)

	r.draw(1)
	assert.Len(t, r.dev.Submissions, 1)
	assert.Equal(t, 1, r.driver.Stats().Presented)
	assert.Len(t, r.dev.Swapchains, 2, "suboptimal swapchain is rebuilt after presenting")
	r.close()
}

func TestPresentErrors(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncWait}, nil)

	r.dev.ScriptPresent(errors.New("device busy"))
	r.draw(1)
	stats := r.driver.Stats()
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 0, stats.Resizes)
	assert.Len(t, r.dev.Swapchains, 1)

	r.dev.ScriptPresent(gpu.ErrOutOfDate)
	r.draw(1)
	stats = r.driver.Stats()
	assert.Equal(t, 2, stats.Dropped)
	assert.Equal(t, 1, stats.Resizes)
	assert.Len(t, r.dev.Swapchains, 2)

	r.draw(1)
	assert.Equal(t, 1, r.driver.Stats().Presented)
	r.close()
}

func TestPipelinedFrames(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionSampled, Sync: SyncPipelined, FramesInFlight: 2}, nil)
	r.dev.Deferred = true
	require.Len(t, r.driver.tokens, 2)

	r.draw(7)

	assert.Len(t, r.dev.Submissions, 7)
	pending := 0
	for _, submission := range r.dev.Submissions {
		if !submission.Completed {
			pending++
		}
	}
	assert.LessOrEqual(t, pending, 2)
	assert.Empty(t, r.dev.Violations)
	assert.Equal(t, 7, r.driver.Stats().Presented)
	r.close()
}

func TestPipelinedFramesLimitedByImages(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncPipelined, FramesInFlight: 8}, nil)
	assert.Len(t, r.driver.tokens, r.manager.ImageCount())
	r.dev.Deferred = true
	r.draw(10)
	assert.Empty(t, r.dev.Violations)
	r.close()
}

func TestResizeRebuildsGeneration(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionSampled, Sync: SyncPipelined, FramesInFlight: 2}, nil)
	r.dev.Deferred = true
	r.draw(2)
	first := r.binder.Current().ID

	r.surface.Resize(400, 300)
	r.driver.Resize(gpu.Extent2D{Width: 400, Height: 300})
	r.draw(1)

	gen := r.binder.Current()
	assert.NotEqual(t, first, gen.ID)
	assert.Equal(t, gpu.Extent2D{Width: 400, Height: 300}, boundExtent(t, gen.PassSet))
	assert.Equal(t, gpu.Extent2D{Width: 400, Height: 300}, boundExtent(t, gen.PresentSet))
	assert.Equal(t, [3]int{40, 30, 1}, r.dev.Dispatches[len(r.dev.Dispatches)-1])
	assert.Equal(t, 0, r.binder.Retired())
	assert.Empty(t, r.window.sizes)
	r.close()
}

func TestUnalignedResizeIsCorrected(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncWait}, nil)
	r.draw(1)

	// The surface reports the unaligned size until the window applies the
	// correction; the render target stays tile aligned meanwhile.
	r.surface.Resize(404, 303)
	r.driver.Resize(gpu.Extent2D{Width: 404, Height: 303})
	assert.Equal(t, []gpu.Extent2D{{Width: 400, Height: 300}}, r.window.sizes)

	r.draw(1)
	assert.Equal(t, gpu.Extent2D{Width: 404, Height: 303}, r.manager.Extent())
	assert.Equal(t, gpu.Extent2D{Width: 400, Height: 300}, r.binder.Current().Extent())
	assert.Equal(t, [3]int{40, 30, 1}, r.dev.Dispatches[len(r.dev.Dispatches)-1])
	assertFilled(t, r.lastPresent(), gputest.Magenta)

	r.surface.Resize(400, 300)
	r.driver.Resize(gpu.Extent2D{Width: 400, Height: 300})
	r.draw(1)
	assert.Equal(t, gpu.Extent2D{Width: 400, Height: 300}, r.manager.Extent())
	blit := r.dev.Submissions[len(r.dev.Submissions)-1].Ops[6]
	require.Equal(t, "blit", blit.Name)
	assert.Equal(t, gpu.Extent2D{Width: 400, Height: 300}, blit.DstExtent)
	r.close()
}

func TestMinimizedWindowPauses(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncWait}, nil)
	r.draw(1)

	r.surface.Resize(0, 0)
	r.driver.Resize(gpu.Extent2D{})
	r.draw(3)
	assert.Len(t, r.dev.Submissions, 1)
	assert.Equal(t, 3, r.driver.Stats().Skipped)

	r.surface.Resize(800, 600)
	r.driver.Resize(gpu.Extent2D{Width: 800, Height: 600})
	r.draw(1)
	assert.Len(t, r.dev.Submissions, 2)
	assert.Equal(t, 2, r.driver.Stats().Presented)
	r.close()
}

func TestShutdownSurvivesIdleFailure(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncPipelined, FramesInFlight: 2}, nil)
	r.dev.Deferred = true
	r.draw(3)

	r.dev.WaitIdleErr = errors.New("device lost")
	calls := r.dev.WaitIdleCalls
	r.close()
	assert.Greater(t, r.dev.WaitIdleCalls, calls)
}

// failingQueue rejects every submission and forwards everything else.
type failingQueue struct {
	gpu.Queue
	err error
}

func (q *failingQueue) Submit(gpu.SubmitInfo) error { return q.err }

func TestFailedSubmitDoesNotBlockShutdown(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncPipelined, FramesInFlight: 2}, nil)
	r.draw(1)

	queue := r.ctx.Queue
	r.ctx.Queue = &failingQueue{Queue: queue, err: errors.New("device lost")}
	err := r.driver.DrawFrame()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device lost")

	for i, tok := range r.driver.tokens {
		assert.NoError(t, r.driver.waitToken(tok), "slot %d", i)
	}
	r.ctx.Queue = queue
	r.close()
}

func TestRestoredWindowGrowsFrameSlots(t *testing.T) {
	r := newRigAt(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncPipelined, FramesInFlight: 2}, nil,
		gpu.Extent2D{Width: 5, Height: 5})
	require.True(t, r.manager.Paused())
	require.Len(t, r.driver.tokens, 1)

	r.surface.Resize(800, 600)
	r.driver.Resize(gpu.Extent2D{Width: 800, Height: 600})
	r.dev.Deferred = true
	r.draw(4)

	require.Greater(t, r.manager.ImageCount(), 1)
	assert.Len(t, r.driver.tokens, min(2, r.manager.ImageCount()))
	assert.Equal(t, 4, r.driver.Stats().Presented)
	assert.Empty(t, r.dev.Violations)
	r.close()
}

func TestPausedResizeKeepsFrameSlots(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncPipelined, FramesInFlight: 8}, nil)
	images := r.manager.ImageCount()
	require.Len(t, r.driver.tokens, images)
	r.draw(images + 1)

	r.surface.Resize(0, 0)
	r.driver.Resize(gpu.Extent2D{})
	r.draw(1)
	assert.Len(t, r.driver.tokens, images, "slots are kept while paused")

	r.surface.Resize(800, 600)
	r.driver.Resize(gpu.Extent2D{Width: 800, Height: 600})
	r.draw(2)
	assert.Len(t, r.driver.tokens, images)
	r.close()
}

func TestSuboptimalPresentCountsAsPresented(t *testing.T) {
	r := newRig(t, Strategy{Pass: PassCompute, Composition: CompositionCopy, Sync: SyncWait}, nil)

	r.dev.ScriptPresent(gpu.ErrSuboptimal)
	r.draw(1)
	stats := r.driver.Stats()
	assert.Equal(t, 1, stats.Presented)
	assert.Zero(t, stats.Dropped)
	assert.Equal(t, 1, stats.Resizes)
	assert.Len(t, r.dev.Swapchains, 2)
	r.close()
}
