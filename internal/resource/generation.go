package resource

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// Generation is a render target and every object referencing its view. It is
// created and destroyed as a unit.
type Generation struct {
	ID     uuid.UUID
	Target *RenderTarget
	// PassSet is set 0 of the compute or ray tracing pipeline.
	PassSet gpu.BindSet
	// PresentSet and Framebuffers exist for sampled composition only; there is
	// one framebuffer per presentable image.
	PresentSet   gpu.BindSet
	Framebuffers []gpu.Framebuffer

	pending map[gpu.Fence]struct{}
}

func (g *Generation) Extent() gpu.Extent2D { return g.Target.Extent() }

// Use marks the generation as referenced by the submission fence guards.
func (g *Generation) Use(fence gpu.Fence) {
	g.pending[fence] = struct{}{}
}

// InFlight reports whether any submission referencing the generation may
// still be executing.
func (g *Generation) InFlight() bool { return len(g.pending) > 0 }

func (g *Generation) destroy() {
	for _, framebuffer := range g.Framebuffers {
		framebuffer.Destroy()
	}
	if g.PresentSet != nil {
		g.PresentSet.Destroy()
	}
	if g.PassSet != nil {
		g.PassSet.Destroy()
	}
	if g.Target != nil {
		g.Target.Destroy()
	}
}

type BinderOptions struct {
	Format gpu.Format
	// Pass is the compute or ray tracing pipeline writing the target.
	Pass gpu.Pipeline
	// Present is the full-screen pipeline of sampled composition; nil for copy.
	Present gpu.Pipeline
	// Structure is bound into the pass set when its layout asks for one.
	Structure gpu.AccelerationStructure
}

// Binder builds generations and retires replaced ones once no submission
// references them.
type Binder struct {
	dev     gpu.Device
	log     *slog.Logger
	opts    BinderOptions
	sampler gpu.Sampler

	current *Generation
	retired []*Generation
}

func NewBinder(ctx *device.Context, opts BinderOptions) (*Binder, error) {
	b := &Binder{
		dev:  ctx.Device,
		log:  ctx.Logger.With("component", "resource"),
		opts: opts,
	}
	if opts.Present != nil {
		sampler, err := ctx.Device.CreateSampler()
		if err != nil {
			return nil, errors.Wrap(err, "create sampler")
		}
		b.sampler = sampler
	}
	return b, nil
}

func (b *Binder) Current() *Generation { return b.current }

// Retired returns the number of replaced generations still awaiting their fences.
func (b *Binder) Retired() int { return len(b.retired) }

// Rebuild creates a generation for extent, drawing into images when sampled
// composition is used, and retires the current one.
func (b *Binder) Rebuild(extent gpu.Extent2D, images []gpu.Image) (*Generation, error) {
	gen, err := b.build(extent, images)
	if err != nil {
		return nil, err
	}

	if old := b.current; old != nil {
		b.retired = append(b.retired, old)
	}
	b.current = gen
	b.Collect()

	b.log.Debug("Built generation", "id", gen.ID.String(), "extent", extent.String(), "retired", len(b.retired))
	return gen, nil
}

func (b *Binder) build(extent gpu.Extent2D, images []gpu.Image) (_ *Generation, err error) {
	gen := &Generation{ID: uuid.New(), pending: map[gpu.Fence]struct{}{}}
	defer func() {
		if err != nil {
			gen.destroy()
		}
	}()

	gen.Target, err = CreateRenderTarget(b.dev, extent, b.opts.Format)
	if err != nil {
		return nil, err
	}

	res := Resources{Target: gen.Target.View(), Sampler: b.sampler, Structure: b.opts.Structure}
	gen.PassSet, err = CreateBindSet(b.dev, b.opts.Pass, 0, res)
	if err != nil {
		return nil, errors.Wrap(err, "pass bind set")
	}

	if b.opts.Present == nil {
		return gen, nil
	}

	gen.PresentSet, err = CreateBindSet(b.dev, b.opts.Present, 0, res)
	if err != nil {
		return nil, errors.Wrap(err, "present bind set")
	}
	for i, image := range images {
		framebuffer, err := b.dev.CreateFramebuffer(b.opts.Present, image.View())
		if err != nil {
			return nil, errors.Wrapf(err, "framebuffer for image %d", i)
		}
		gen.Framebuffers = append(gen.Framebuffers, framebuffer)
	}
	return gen, nil
}

// Release records that fence was observed signaled, so no generation waits
// on it any more. Call it after waiting a fence and before resetting it.
func (b *Binder) Release(fence gpu.Fence) {
	if b.current != nil {
		delete(b.current.pending, fence)
	}
	for _, gen := range b.retired {
		delete(gen.pending, fence)
	}
	b.Collect()
}

// Collect destroys retired generations whose fences have all signaled and
// returns how many it destroyed.
func (b *Binder) Collect() int {
	kept := b.retired[:0]
	destroyed := 0
	for _, gen := range b.retired {
		for fence := range gen.pending {
			signaled, err := fence.Signaled()
			if err != nil {
				b.log.Warn("Failed to query fence", "generation", gen.ID.String(), "error", err)
				continue
			}
			if signaled {
				delete(gen.pending, fence)
			}
		}
		if gen.InFlight() {
			kept = append(kept, gen)
			continue
		}
		gen.destroy()
		destroyed++
		b.log.Debug("Destroyed generation", "id", gen.ID.String())
	}
	for i := len(kept); i < len(b.retired); i++ {
		b.retired[i] = nil
	}
	b.retired = kept
	return destroyed
}

// Destroy releases every generation. The device must be idle.
func (b *Binder) Destroy() {
	for _, gen := range b.retired {
		gen.destroy()
	}
	b.retired = nil
	if b.current != nil {
		b.current.destroy()
		b.current = nil
	}
	if b.sampler != nil {
		b.sampler.Destroy()
		b.sampler = nil
	}
}
