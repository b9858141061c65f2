// Package frame drives one frame at a time through acquire, record, submit
// and present, and recovers from stale swapchains.
package frame

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"

	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/present"
	"github.com/vkngwrapper/raytracer/internal/resource"
)

type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateRecording
	StateSubmitted
	StatePresenting
	StateResizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateRecording:
		return "recording"
	case StateSubmitted:
		return "submitted"
	case StatePresenting:
		return "presenting"
	case StateResizing:
		return "resizing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Stats struct {
	Frames    int
	Presented int
	// Dropped frames were rendered but their present failed.
	Dropped int
	// Skipped frames never reached recording.
	Skipped   int
	Resizes   int
	LastFrame time.Duration
}

type Options struct {
	Strategy Strategy
	Tile     gpu.Extent2D
	// Pass is the compute or ray tracing pipeline writing the render target.
	Pass gpu.Pipeline
	// Regions addresses the binding table of a ray tracing Pass.
	Regions gpu.ShaderBindingRegions
	// Constants returns the push constants of a ray tracing Pass for a render
	// target of the given extent.
	Constants func(extent gpu.Extent2D) []byte
	// Present is the full-screen pipeline of sampled composition.
	Present gpu.Pipeline
	// Window receives corrective resizes; it may be nil.
	Window present.Resizer
	// WindowExtent is the drawable size at startup.
	WindowExtent gpu.Extent2D
}

// token is the synchronization state of one frame slot.
type token struct {
	imageAvailable gpu.Semaphore
	inFlight       gpu.Fence
	commands       gpu.CommandBuffer
	// abandoned is set when the fence was reset but its submission failed, so
	// nothing will ever signal it.
	abandoned bool
}

func (t *token) destroy() {
	t.commands.Destroy()
	t.inFlight.Destroy()
	t.imageAvailable.Destroy()
}

// Driver owns the per-frame synchronization objects. The surface manager and
// binder stay with the caller.
type Driver struct {
	ctx     *device.Context
	log     *slog.Logger
	opts    Options
	surface *present.Manager
	binder  *resource.Binder

	tokens         []*token
	renderFinished []gpu.Semaphore
	imagesInFlight []*token
	currentFrame   int

	windowExtent gpu.Extent2D
	state        State
	stats        Stats
}

// New creates the frame slots and the first resource generation.
func New(ctx *device.Context, surface *present.Manager, binder *resource.Binder, opts Options) (_ *Driver, err error) {
	if opts.Pass == nil {
		return nil, errors.New("frame driver needs a pass pipeline")
	}
	if opts.Strategy.Pass == PassRayTrace && opts.Constants == nil {
		return nil, errors.New("ray tracing pass needs push constants")
	}
	if opts.Strategy.Composition == CompositionSampled && opts.Present == nil {
		return nil, errors.New("sampled composition needs a present pipeline")
	}

	d := &Driver{
		ctx:          ctx,
		log:          ctx.Logger.With("component", "frame", "strategy", opts.Strategy.String()),
		opts:         opts,
		surface:      surface,
		binder:       binder,
		windowExtent: opts.WindowExtent,
	}
	defer func() {
		if err != nil {
			d.destroySync()
		}
	}()

	if err := d.syncTokens(); err != nil {
		return nil, err
	}
	if err := d.syncImages(); err != nil {
		return nil, err
	}
	if !surface.Paused() {
		if _, err := binder.Rebuild(surface.RenderExtent(), surface.Images()); err != nil {
			return nil, errors.Wrap(err, "build first generation")
		}
	}

	d.log.Info("Frame driver ready", "frames_in_flight", len(d.tokens), "images", surface.ImageCount())
	return d, nil
}

func (d *Driver) createToken() (*token, error) {
	imageAvailable, err := d.ctx.Device.CreateSemaphore()
	if err != nil {
		return nil, err
	}
	inFlight, err := d.ctx.Device.CreateFence(true)
	if err != nil {
		imageAvailable.Destroy()
		return nil, err
	}
	commands, err := d.ctx.Device.CreateCommandBuffer()
	if err != nil {
		inFlight.Destroy()
		imageAvailable.Destroy()
		return nil, err
	}
	return &token{imageAvailable: imageAvailable, inFlight: inFlight, commands: commands}, nil
}

// syncImages matches the per-image state to the current swapchain. Every slot
// fence must have been waited on.
func (d *Driver) syncImages() error {
	count := d.surface.ImageCount()
	if d.surface.Paused() {
		count = 0
	}
	d.imagesInFlight = make([]*token, count)
	if len(d.renderFinished) == count {
		return nil
	}

	for _, semaphore := range d.renderFinished {
		semaphore.Destroy()
	}
	d.renderFinished = nil
	for i := 0; i < count; i++ {
		semaphore, err := d.ctx.Device.CreateSemaphore()
		if err != nil {
			return errors.Wrapf(err, "render finished semaphore %d", i)
		}
		d.renderFinished = append(d.renderFinished, semaphore)
	}
	return nil
}

// syncTokens grows or shrinks the frame slots to what the strategy allows for
// the current image count. Every slot fence must have been waited on.
func (d *Driver) syncTokens() error {
	count := d.opts.Strategy.framesInFlight(max(d.surface.ImageCount(), 1))
	for len(d.tokens) > count {
		last := len(d.tokens) - 1
		d.tokens[last].destroy()
		d.tokens = d.tokens[:last]
	}
	for len(d.tokens) < count {
		tok, err := d.createToken()
		if err != nil {
			return errors.Wrapf(err, "frame slot %d", len(d.tokens))
		}
		d.tokens = append(d.tokens, tok)
	}
	if d.currentFrame >= len(d.tokens) {
		d.currentFrame = 0
	}
	return nil
}

func (d *Driver) State() State { return d.state }
func (d *Driver) Stats() Stats { return d.stats }

// waitToken blocks until the slot's last submission has completed and lets
// the binder forget the fence.
func (d *Driver) waitToken(tok *token) error {
	if tok.abandoned {
		return nil
	}
	if err := tok.inFlight.Wait(gpu.NoTimeout); err != nil {
		return errors.Wrap(err, "wait for frame fence")
	}
	d.binder.Release(tok.inFlight)
	return nil
}

// Resize records a new drawable size. An unaligned size is corrected on the
// window; the swapchain is rebuilt before the next frame.
func (d *Driver) Resize(extent gpu.Extent2D) {
	aligned, corrected := d.surface.HandleResize(extent, d.opts.Window)
	d.windowExtent = extent
	if corrected {
		d.windowExtent = aligned
	}
}

// resize rebuilds the swapchain and the resource generation once every frame
// has retired.
func (d *Driver) resize() error {
	d.state = StateResizing

	for _, tok := range d.tokens {
		if err := d.waitToken(tok); err != nil {
			return err
		}
	}

	if err := d.surface.Reconfigure(d.windowExtent); err != nil {
		return errors.Wrap(err, "reconfigure surface")
	}
	if d.surface.Paused() {
		d.imagesInFlight = nil
		return nil
	}
	if len(d.renderFinished) != d.surface.ImageCount() {
		// Presents may still wait on the old semaphores.
		if err := d.ctx.Queue.WaitIdle(); err != nil {
			return errors.Wrap(err, "idle queue before replacing semaphores")
		}
	}
	if err := d.syncImages(); err != nil {
		return err
	}
	if err := d.syncTokens(); err != nil {
		return err
	}

	gen, err := d.binder.Rebuild(d.surface.RenderExtent(), d.surface.Images())
	if err != nil {
		return errors.Wrap(err, "rebuild resources")
	}

	d.stats.Resizes++
	d.log.Debug("Resized", "extent", d.surface.Extent().String(), "render_extent", gen.Extent().String())
	return nil
}

// DrawFrame runs one pass of the frame protocol. Stale swapchains are rebuilt
// and the frame is skipped; only unrecoverable device failures are returned.
func (d *Driver) DrawFrame() error {
	start := hrtime.Now()
	defer func() {
		d.stats.LastFrame = hrtime.Since(start)
	}()
	d.stats.Frames++

	if d.surface.Stale() || d.surface.Paused() {
		if err := d.resize(); err != nil {
			return err
		}
		if d.surface.Paused() {
			d.stats.Skipped++
			d.state = StateIdle
			return nil
		}
	}

	d.state = StateAcquiring
	tok := d.tokens[d.currentFrame]
	if err := d.waitToken(tok); err != nil {
		return err
	}

	imageIndex, err := d.surface.Acquire(tok.imageAvailable)
	if gpu.IsStale(err) {
		d.stats.Skipped++
		d.log.Debug("Acquire found stale swapchain", "error", err)
		if err := d.resize(); err != nil {
			return err
		}
		d.state = StateIdle
		return nil
	} else if err != nil {
		return err
	}

	if previous := d.imagesInFlight[imageIndex]; previous != nil && previous != tok {
		if err := d.waitToken(previous); err != nil {
			return err
		}
	}
	d.imagesInFlight[imageIndex] = tok

	d.state = StateRecording
	gen := d.binder.Current()
	if err := d.record(tok.commands, gen, imageIndex); err != nil {
		return errors.Wrap(err, "record frame")
	}

	if err := tok.inFlight.Reset(); err != nil {
		return errors.Wrap(err, "reset frame fence")
	}
	err = d.ctx.Queue.Submit(gpu.SubmitInfo{
		Commands:   []gpu.CommandBuffer{tok.commands},
		Wait:       []gpu.Semaphore{tok.imageAvailable},
		WaitStages: []gpu.PipelineStage{d.opts.Strategy.waitStage()},
		Signal:     []gpu.Semaphore{d.renderFinished[imageIndex]},
		Fence:      tok.inFlight,
	})
	if err != nil {
		tok.abandoned = true
		return errors.Wrap(err, "submit frame")
	}
	tok.abandoned = false
	gen.Use(tok.inFlight)
	d.state = StateSubmitted

	d.state = StatePresenting
	err = d.surface.Present(imageIndex, d.renderFinished[imageIndex])
	switch {
	case err == nil:
		d.stats.Presented++
	case errors.Is(err, gpu.ErrSuboptimal):
		// Shown, but the swapchain is rebuilt below.
		d.stats.Presented++
		d.log.Debug("Present found suboptimal swapchain")
	case gpu.IsStale(err):
		d.stats.Dropped++
		d.log.Debug("Present found stale swapchain", "error", err)
	default:
		d.stats.Dropped++
		d.log.Warn("Failed to present frame", "image", imageIndex, "error", err)
	}

	if d.opts.Strategy.Sync == SyncWait {
		if err := d.waitToken(tok); err != nil {
			return err
		}
	}
	d.currentFrame = (d.currentFrame + 1) % len(d.tokens)

	if d.surface.Stale() {
		if err := d.resize(); err != nil {
			return err
		}
	}
	d.state = StateIdle
	return nil
}

func (d *Driver) record(cb gpu.CommandBuffer, gen *resource.Generation, imageIndex int) error {
	if err := cb.Begin(); err != nil {
		return err
	}

	target := gen.Target.Image
	extent := gen.Extent()
	pass := d.opts.Pass

	cb.TransitionImage(target, gpu.LayoutUndefined, gpu.LayoutGeneral)
	cb.BindPipeline(pass)
	cb.BindSet(pass, 0, gen.PassSet)

	switch d.opts.Strategy.Pass {
	case PassCompute:
		counts, err := resource.DispatchCounts(extent, d.opts.Tile)
		if err != nil {
			return err
		}
		cb.Dispatch(counts[0], counts[1], counts[2])
	case PassRayTrace:
		cb.PushConstants(pass, d.opts.Constants(extent))
		cb.TraceRays(d.opts.Regions, extent.Width, extent.Height, 1)
	}

	image := d.surface.Images()[imageIndex]

	switch d.opts.Strategy.Composition {
	case CompositionCopy:
		cb.TransitionImage(target, gpu.LayoutGeneral, gpu.LayoutTransferSrc)
		cb.TransitionImage(image, gpu.LayoutUndefined, gpu.LayoutTransferDst)
		if target.Format() == image.Format() && extent == image.Extent() {
			cb.CopyImage(target, image, extent)
		} else {
			cb.BlitImage(target, image, extent, image.Extent())
		}
		cb.TransitionImage(image, gpu.LayoutTransferDst, gpu.LayoutPresentSrc)

	case CompositionSampled:
		cb.TransitionImage(target, gpu.LayoutGeneral, gpu.LayoutShaderReadOnly)
		cb.BeginRenderPass(d.opts.Present, gen.Framebuffers[imageIndex])
		cb.BindPipeline(d.opts.Present)
		cb.BindSet(d.opts.Present, 0, gen.PresentSet)
		cb.Draw(4, 1)
		cb.EndRenderPass()
	}

	return cb.End()
}

// Shutdown waits for every frame slot, idles the device and destroys the
// synchronization objects. Failures are logged; shutdown always completes.
func (d *Driver) Shutdown() {
	for i, tok := range d.tokens {
		if err := d.waitToken(tok); err != nil {
			d.log.Error("Failed to wait for frame slot", "slot", i, "error", err)
		}
	}
	if err := d.ctx.Device.WaitIdle(); err != nil {
		d.log.Error("Failed to idle device", "error", err)
	}
	d.destroySync()
	d.log.Info("Frame driver stopped",
		"frames", d.stats.Frames,
		"presented", d.stats.Presented,
		"dropped", d.stats.Dropped,
		"skipped", d.stats.Skipped,
		"resizes", d.stats.Resizes,
	)
}

func (d *Driver) destroySync() {
	for _, tok := range d.tokens {
		tok.destroy()
	}
	d.tokens = nil
	for _, semaphore := range d.renderFinished {
		semaphore.Destroy()
	}
	d.renderFinished = nil
	d.imagesInFlight = nil
}
