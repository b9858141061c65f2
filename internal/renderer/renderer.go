// Package renderer wires the window, the Vulkan backend and the frame
// orchestration components together and runs the event loop.
package renderer

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/accel"
	"github.com/vkngwrapper/raytracer/internal/config"
	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/frame"
	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/gpu/vulkan"
	"github.com/vkngwrapper/raytracer/internal/pipeline"
	"github.com/vkngwrapper/raytracer/internal/present"
	"github.com/vkngwrapper/raytracer/internal/resource"
	"github.com/vkngwrapper/raytracer/internal/scene"
	"github.com/vkngwrapper/raytracer/internal/shader"
	"github.com/vkngwrapper/raytracer/internal/window"
)

// TargetFormat is the render target format the compute and ray tracing
// passes write.
const TargetFormat = gpu.FormatRGBA8Unorm

type Renderer struct {
	cfg *config.Config
	log *slog.Logger

	window *window.Window
	ctx    *device.Context
	driver *frame.Driver

	// cleanup runs in reverse order on Destroy.
	cleanup []func()
}

func (r *Renderer) onDestroy(f func()) {
	r.cleanup = append(r.cleanup, f)
}

// New opens the window, selects a device and builds everything the frame
// driver needs. A failure destroys what was built so far.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *Renderer, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	r := &Renderer{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			r.Destroy()
		}
	}()

	strategy, err := frame.StrategyFromConfig(cfg.Render)
	if err != nil {
		return nil, err
	}
	rayTracing := strategy.Pass == frame.PassRayTrace

	r.window, err = window.New(cfg.Window, log)
	if err != nil {
		return nil, err
	}
	r.onDestroy(r.window.Destroy)

	instance, err := vulkan.NewInstance(r.window.SDL(), vulkan.Options{
		ApplicationName: cfg.Window.Title,
		Validation:      cfg.Vulkan.Validation,
	}, log)
	if err != nil {
		return nil, err
	}
	r.onDestroy(instance.Destroy)

	surface, err := instance.CreateSurface(r.window.SDL())
	if err != nil {
		return nil, err
	}
	r.onDestroy(surface.Destroy)

	r.ctx, err = device.Create(instance, surface, device.RequirementsFor(rayTracing), log)
	if err != nil && rayTracing {
		return nil, errors.WithHint(err, "run with -pass=compute on devices without hardware ray tracing")
	} else if err != nil {
		return nil, err
	}
	r.onDestroy(r.ctx.Destroy)

	library, err := shader.CompileBuiltin(ctx, cfg.Shaders.Validate, log)
	if err != nil {
		return nil, errors.Wrap(err, "compile builtin shaders")
	}

	tile := gpu.Extent2D{Width: cfg.Render.TileWidth, Height: cfg.Render.TileHeight}
	presentMode, _ := gpu.ParsePresentMode(cfg.Render.PresentMode)
	preferredFormat, _ := gpu.ParseFormat(cfg.Render.PreferredFormat)

	surfaceManager, err := present.Create(r.ctx, r.window.DrawableSize(), present.Options{
		PresentMode:     presentMode,
		PreferredFormat: preferredFormat,
		Tile:            tile,
		Usage:           strategy.SwapchainUsage(),
		SnapToTile:      cfg.Render.SnapToTile,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create presentation surface")
	}
	r.onDestroy(surfaceManager.Destroy)

	builder := pipeline.NewBuilder(r.ctx, tile)
	opts := frame.Options{
		Strategy:     strategy,
		Tile:         tile,
		Window:       r.window,
		WindowExtent: r.window.DrawableSize(),
	}
	binderOpts := resource.BinderOptions{Format: TargetFormat}

	if strategy.Composition == frame.CompositionSampled {
		module, err := library.Module(shader.Present)
		if err != nil {
			return nil, err
		}
		opts.Present, err = builder.BuildGraphics(module, shader.VertexEntry, shader.FragmentEntry, surfaceManager.Format())
		if err != nil {
			return nil, errors.Wrap(err, "build present pipeline")
		}
		r.onDestroy(opts.Present.Destroy)
		binderOpts.Present = opts.Present
	}

	if rayTracing {
		if err := r.buildRayTracing(builder, &opts, &binderOpts); err != nil {
			return nil, err
		}
	} else {
		module, err := library.Module(shader.Compute)
		if err != nil {
			return nil, err
		}
		opts.Pass, err = builder.BuildCompute(module, shader.ComputeEntry)
		if err != nil {
			return nil, errors.Wrap(err, "build compute pipeline")
		}
		r.onDestroy(opts.Pass.Destroy)
	}
	binderOpts.Pass = opts.Pass

	binder, err := resource.NewBinder(r.ctx, binderOpts)
	if err != nil {
		return nil, err
	}
	r.onDestroy(binder.Destroy)

	r.driver, err = frame.New(r.ctx, surfaceManager, binder, opts)
	if err != nil {
		return nil, errors.Wrap(err, "create frame driver")
	}
	r.onDestroy(r.driver.Shutdown)

	log.Info("Renderer ready",
		"adapter", r.ctx.Adapter.Name(),
		"strategy", strategy.String(),
		"format", surfaceManager.Format().String(),
		"present_mode", surfaceManager.PresentMode().String(),
	)
	return r, nil
}

// buildRayTracing builds the ray tracing pipeline with its binding table and
// the acceleration structures of the configured scene.
func (r *Renderer) buildRayTracing(builder *pipeline.Builder, opts *frame.Options, binderOpts *resource.BinderOptions) error {
	module, err := shader.Load(r.cfg.Shaders.RayTracingModule)
	if err != nil {
		return errors.WithHint(err, "build the module with go generate ./internal/shader")
	}

	rt, err := builder.BuildRayTracing(module, pipeline.RayTracingEntries{
		Generation: r.cfg.Shaders.RayGeneration,
		Miss:       r.cfg.Shaders.Miss,
		ClosestHit: r.cfg.Shaders.ClosestHit,
	})
	if err != nil {
		return errors.Wrap(err, "build ray tracing pipeline")
	}
	r.onDestroy(rt.Destroy)

	sc := scene.FromConfig(r.cfg.Scene)
	mesh, err := sc.Geometry()
	if err != nil {
		return errors.Wrap(err, "load scene geometry")
	}

	structures, err := accel.NewBuilder(r.ctx)
	if err != nil {
		return err
	}
	defer structures.Destroy()

	blas, err := structures.BuildBLAS(mesh)
	if err != nil {
		return err
	}
	r.onDestroy(blas.Destroy)

	tlas, err := structures.BuildTLAS(sc.Instances)
	if err != nil {
		return err
	}
	r.onDestroy(tlas.Destroy)

	if err := structures.Submit(r.ctx.Queue); err != nil {
		return err
	}

	opts.Pass = rt.Pipeline
	opts.Regions = rt.Table.Regions
	opts.Constants = func(extent gpu.Extent2D) []byte {
		return sc.TraceConstants(extent).Encode()
	}
	binderOpts.Structure = tlas.Structure
	return nil
}

// Run drives frames until the window closes or ctx is done.
func (r *Renderer) Run(ctx context.Context) error {
	return runLoop(ctx, r.window, r.driver, r.log)
}

// Stats returns the frame counters of the driver.
func (r *Renderer) Stats() frame.Stats {
	return r.driver.Stats()
}

// Destroy tears everything down in reverse creation order.
func (r *Renderer) Destroy() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
	r.cleanup = nil
}
