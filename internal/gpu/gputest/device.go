package gputest

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// Device implements gpu.RayTracingDevice. Submitted work completes at submit
// time unless Deferred is set, in which case it stays pending until a fence
// wait, WaitIdle or Complete.
type Device struct {
	Adapter  *Adapter
	Features gpu.Feature

	// Tile is the work-group shape the fake compute shader runs with.
	Tile         gpu.Extent2D
	ComputeColor Color
	HitColor     Color
	MissColor    Color
	Properties   gpu.RayTracingProperties

	Deferred bool
	// WaitIdleErr is returned by WaitIdle after it drains pending work.
	WaitIdleErr error

	Submissions []*Submission
	Presents    []Present
	Dispatches  [][3]int
	Traces      [][3]int
	Builds      []gpu.AccelerationStructureLevel
	Swapchains  []*Swapchain
	// Violations lists misuse detected while recording or replaying.
	Violations []string

	WaitIdleCalls int
	Destroyed     bool

	queue         *Queue
	acquireScript []error
	presentScript []error
	pending       []*Submission
	live          map[any]string
	nextAddress   uint64
	buffers       []*Buffer
	handleGroups  map[uint64]int
}

func NewDevice() *Device {
	d := &Device{
		Tile:         gpu.Extent2D{Width: 10, Height: 10},
		ComputeColor: Magenta,
		HitColor:     Magenta,
		MissColor:    Background,
		Properties: gpu.RayTracingProperties{
			HandleSize:      32,
			HandleAlignment: 32,
			BaseAlignment:   64,
			MaxRecursion:    1,
		},
		live:        map[any]string{},
		nextAddress: 0x10000,
	}
	d.queue = &Queue{device: d}
	return d
}

// ScriptAcquire queues results for the next acquires, in order. A nil entry
// is a normal acquire.
func (d *Device) ScriptAcquire(results ...error) {
	d.acquireScript = append(d.acquireScript, results...)
}

// ScriptPresent queues results for the next presents, in order.
func (d *Device) ScriptPresent(results ...error) {
	d.presentScript = append(d.presentScript, results...)
}

// Live reports the objects created on the device and not yet destroyed, by kind.
func (d *Device) Live() map[string]int {
	out := map[string]int{}
	for _, kind := range d.live {
		out[kind]++
	}
	return out
}

// Complete finishes every pending submission.
func (d *Device) Complete() {
	for _, submission := range d.pending {
		d.finish(submission)
	}
	d.pending = nil
}

func (d *Device) violate(format string, args ...any) {
	d.Violations = append(d.Violations, fmt.Sprintf(format, args...))
}

func (d *Device) track(obj any, kind string) {
	d.live[obj] = kind
}

func (d *Device) release(obj any) {
	kind, ok := d.live[obj]
	if !ok {
		d.violate("destroy of %T that is not live", obj)
		return
	}
	for _, submission := range d.pending {
		if submission.references(obj) {
			d.violate("%s destroyed while referenced by pending submission %d", kind, submission.Index)
		}
	}
	delete(d.live, obj)
}

func (d *Device) allocateAddress(size int) uint64 {
	address := d.nextAddress
	d.nextAddress += uint64(size+0xFFF) &^ 0xFFF
	d.nextAddress += 0x1000
	return address
}

// lookup resolves a device address to the buffer holding it and the offset in it.
func (d *Device) lookup(address uint64) (*Buffer, int, bool) {
	for _, buffer := range d.buffers {
		if buffer.destroyed || buffer.address == 0 {
			continue
		}
		if address >= buffer.address && address < buffer.address+uint64(len(buffer.Data)) {
			return buffer, int(address - buffer.address), true
		}
	}
	return nil, 0, false
}

func (d *Device) Queue() gpu.Queue {
	return d.queue
}

func (d *Device) CreateSwapchain(surface gpu.Surface, config gpu.SwapchainConfig, old gpu.Swapchain) (gpu.Swapchain, error) {
	s, ok := surface.(*Surface)
	if !ok {
		return nil, errors.Newf("surface %T does not belong to this backend", surface)
	}
	if s.Destroyed {
		return nil, gpu.ErrSurfaceLost
	}
	if config.Extent.Empty() {
		return nil, errors.Newf("swapchain extent %s is empty", config.Extent)
	}
	if d.Adapter != nil {
		caps := d.Adapter.Support.Capabilities
		if config.ImageCount < caps.MinImageCount || (caps.MaxImageCount > 0 && config.ImageCount > caps.MaxImageCount) {
			d.violate("swapchain image count %d outside [%d, %d]", config.ImageCount, caps.MinImageCount, caps.MaxImageCount)
		}
	}
	if old != nil {
		oldSwapchain := old.(*Swapchain)
		if oldSwapchain.destroyed {
			d.violate("old swapchain handed over after destroy")
		}
		oldSwapchain.retired = true
	}

	swapchain := &Swapchain{
		device:   d,
		surface:  s,
		Config:   config,
		acquired: map[int]bool{},
	}
	for i := 0; i < config.ImageCount; i++ {
		swapchain.images = append(swapchain.images, newImage(d, gpu.ImageDesc{
			Extent: config.Extent,
			Format: config.Format.Format,
			Usage:  config.Usage,
		}))
	}
	d.Swapchains = append(d.Swapchains, swapchain)
	d.track(swapchain, "swapchain")
	return swapchain, nil
}

func (d *Device) CreateImage(desc gpu.ImageDesc) (gpu.Image, error) {
	if desc.Extent.Empty() {
		return nil, errors.Newf("image extent %s is empty", desc.Extent)
	}
	image := newImage(d, desc)
	d.track(image, "image")
	return image, nil
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	if desc.Size <= 0 {
		return nil, errors.Newf("buffer size %d must be positive", desc.Size)
	}
	buffer := &Buffer{
		device: d,
		Desc:   desc,
		Data:   make([]byte, desc.Size),
	}
	if desc.Usage&gpu.BufferUsageDeviceAddress != 0 {
		buffer.address = d.allocateAddress(desc.Size)
	}
	d.buffers = append(d.buffers, buffer)
	d.track(buffer, "buffer")
	return buffer, nil
}

func (d *Device) CreateSampler() (gpu.Sampler, error) {
	sampler := &Sampler{device: d}
	d.track(sampler, "sampler")
	return sampler, nil
}

func (d *Device) CreateShaderModule(code []uint32) (gpu.ShaderModule, error) {
	if len(code) == 0 {
		return nil, errors.New("empty shader module")
	}
	module := &ShaderModule{device: d, Code: code}
	d.track(module, "shader-module")
	return module, nil
}

func (d *Device) checkStage(stage gpu.ShaderStageDesc) error {
	if stage.Module == nil {
		return errors.Newf("%s stage has no module", stage.Stage)
	}
	if module, ok := stage.Module.(*ShaderModule); !ok || module.destroyed {
		return errors.Newf("%s stage module is not live", stage.Stage)
	}
	if stage.Entry == "" {
		return errors.Newf("%s stage has no entry point", stage.Stage)
	}
	return nil
}

func (d *Device) CreateComputePipeline(desc gpu.ComputePipelineDesc) (gpu.Pipeline, error) {
	if err := d.checkStage(desc.Stage); err != nil {
		return nil, err
	}
	pipeline := &Pipeline{device: d, kind: gpu.PipelineCompute, layout: desc.Layout, Compute: &desc}
	d.track(pipeline, "pipeline")
	return pipeline, nil
}

func (d *Device) CreateGraphicsPipeline(desc gpu.GraphicsPipelineDesc) (gpu.Pipeline, error) {
	if err := d.checkStage(desc.Vertex); err != nil {
		return nil, err
	}
	if err := d.checkStage(desc.Fragment); err != nil {
		return nil, err
	}
	if desc.ColorFormat == gpu.FormatUndefined {
		return nil, errors.New("graphics pipeline needs a color format")
	}
	pipeline := &Pipeline{device: d, kind: gpu.PipelineGraphics, layout: desc.Layout, Graphics: &desc}
	d.track(pipeline, "pipeline")
	return pipeline, nil
}

func (d *Device) CreateFramebuffer(pipeline gpu.Pipeline, view gpu.ImageView) (gpu.Framebuffer, error) {
	if pipeline.Kind() != gpu.PipelineGraphics {
		return nil, errors.Newf("framebuffer needs a graphics pipeline, got %s", pipeline.Kind())
	}
	v := view.(*View)
	if v.image.destroyed {
		return nil, errors.New("framebuffer view belongs to a destroyed image")
	}
	if format := pipeline.(*Pipeline).Graphics.ColorFormat; format != v.image.desc.Format {
		return nil, errors.Newf("framebuffer format %s does not match pipeline %s", v.image.desc.Format, format)
	}
	framebuffer := &Framebuffer{device: d, view: v}
	d.track(framebuffer, "framebuffer")
	return framebuffer, nil
}

func (d *Device) CreateBindSet(pipeline gpu.Pipeline, set int, bindings []gpu.Binding) (gpu.BindSet, error) {
	layout, ok := pipeline.Layout().Set(set)
	if !ok {
		return nil, errors.Newf("%s pipeline has no set %d", pipeline.Kind(), set)
	}
	if len(bindings) != len(layout.Entries) {
		return nil, errors.Newf("set %d declares %d bindings, got %d", set, len(layout.Entries), len(bindings))
	}
	for _, binding := range bindings {
		entry, ok := layout.Entry(binding.Slot)
		if !ok {
			return nil, errors.Newf("set %d has no binding %d", set, binding.Slot)
		}
		if err := checkBinding(entry, binding); err != nil {
			return nil, errors.Wrapf(err, "set %d binding %d", set, binding.Slot)
		}
	}
	bindSet := &BindSet{device: d, set: set, bindings: append([]gpu.Binding(nil), bindings...)}
	d.track(bindSet, "bind-set")
	return bindSet, nil
}

func checkBinding(entry gpu.LayoutEntry, binding gpu.Binding) error {
	switch entry.Type {
	case gpu.BindingStorageImage, gpu.BindingSampledImage, gpu.BindingCombinedImageSampler:
		view, ok := binding.View.(*View)
		if !ok {
			return errors.Newf("%s needs an image view", entry.Type)
		}
		if view.image.destroyed {
			return errors.New("image view belongs to a destroyed image")
		}
		if entry.Type == gpu.BindingCombinedImageSampler && binding.Sampler == nil {
			return errors.New("combined image sampler needs a sampler")
		}
	case gpu.BindingSampler:
		if binding.Sampler == nil {
			return errors.New("sampler binding needs a sampler")
		}
	case gpu.BindingAccelerationStructure:
		structure, ok := binding.Structure.(*AccelerationStructure)
		if !ok {
			return errors.New("acceleration structure binding needs a structure")
		}
		if structure.destroyed {
			return errors.New("acceleration structure was destroyed")
		}
	default:
		return errors.Newf("%s bindings are not supported", entry.Type)
	}
	return nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	semaphore := &Semaphore{device: d}
	d.track(semaphore, "semaphore")
	return semaphore, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	fence := &Fence{device: d, signaled: signaled}
	d.track(fence, "fence")
	return fence, nil
}

func (d *Device) CreateCommandBuffer() (gpu.CommandBuffer, error) {
	commandBuffer := &CommandBuffer{device: d}
	d.track(commandBuffer, "command-buffer")
	return commandBuffer, nil
}

func (d *Device) WaitIdle() error {
	d.WaitIdleCalls++
	d.Complete()
	return d.WaitIdleErr
}

func (d *Device) Destroy() {
	if len(d.pending) > 0 {
		d.violate("device destroyed with %d pending submissions", len(d.pending))
	}
	if len(d.live) > 0 {
		d.violate("device destroyed with live objects %v", d.Live())
	}
	d.Destroyed = true
}

func (d *Device) RayTracingProperties() gpu.RayTracingProperties {
	return d.Properties
}

// AccelerationStructureBuildSizes reports 256 bytes of storage and 128 bytes
// of scratch per primitive, plus a fixed header each.
func (d *Device) AccelerationStructureBuildSizes(geometry gpu.AccelerationStructureGeometry) (gpu.BuildSizes, error) {
	if !d.Features.Has(gpu.FeatureAccelerationStructure) {
		return gpu.BuildSizes{}, gpu.ErrUnsupported
	}
	primitives := geometry.PrimitiveCount()
	return gpu.BuildSizes{
		StructureSize: 256 + 256*primitives,
		ScratchSize:   128 + 128*primitives,
	}, nil
}

func (d *Device) CreateAccelerationStructure(level gpu.AccelerationStructureLevel, storage gpu.Buffer, size int) (gpu.AccelerationStructure, error) {
	if !d.Features.Has(gpu.FeatureAccelerationStructure) {
		return nil, gpu.ErrUnsupported
	}
	buffer := storage.(*Buffer)
	if buffer.Desc.Usage&gpu.BufferUsageAccelerationStructureStorage == 0 {
		return nil, errors.New("storage buffer lacks acceleration structure storage usage")
	}
	if buffer.Size() < size {
		return nil, errors.Newf("storage buffer holds %d bytes, structure needs %d", buffer.Size(), size)
	}
	structure := &AccelerationStructure{
		device:  d,
		level:   level,
		storage: buffer,
		address: d.allocateAddress(size),
	}
	d.track(structure, "acceleration-structure")
	return structure, nil
}

func (d *Device) CreateRayTracingPipeline(desc gpu.RayTracingPipelineDesc) (gpu.Pipeline, error) {
	if !d.Features.Has(gpu.FeatureRayTracingPipeline) {
		return nil, gpu.ErrUnsupported
	}
	for _, stage := range desc.Stages {
		if err := d.checkStage(stage); err != nil {
			return nil, err
		}
	}
	for i, group := range desc.Groups {
		switch group.Type {
		case gpu.ShaderGroupGeneral:
			if group.General < 0 || group.General >= len(desc.Stages) || group.ClosestHit != gpu.UnusedShader {
				return nil, errors.Newf("general group %d must wrap exactly one stage", i)
			}
		case gpu.ShaderGroupTrianglesHit:
			if group.ClosestHit < 0 || group.ClosestHit >= len(desc.Stages) || group.General != gpu.UnusedShader {
				return nil, errors.Newf("hit group %d must wrap a closest hit stage", i)
			}
			if desc.Stages[group.ClosestHit].Stage != gpu.StageClosestHit {
				return nil, errors.Newf("hit group %d wraps a %s stage", i, desc.Stages[group.ClosestHit].Stage)
			}
		}
	}
	if desc.MaxRecursionDepth > d.Properties.MaxRecursion {
		return nil, errors.Newf("recursion depth %d exceeds %d", desc.MaxRecursionDepth, d.Properties.MaxRecursion)
	}
	pipeline := &Pipeline{device: d, kind: gpu.PipelineRayTracing, layout: desc.Layout, RayTracing: &desc}
	d.track(pipeline, "pipeline")
	return pipeline, nil
}

// ShaderGroupHandles fills handle i with the byte value firstGroup+i+1, so a
// trace can tell which group a table row points at.
func (d *Device) ShaderGroupHandles(pipeline gpu.Pipeline, firstGroup, groupCount int) ([]byte, error) {
	p := pipeline.(*Pipeline)
	if p.kind != gpu.PipelineRayTracing {
		return nil, errors.Newf("%s pipeline has no shader groups", p.kind)
	}
	if firstGroup < 0 || firstGroup+groupCount > len(p.RayTracing.Groups) {
		return nil, errors.Newf("groups [%d, %d) out of range", firstGroup, firstGroup+groupCount)
	}
	out := make([]byte, groupCount*d.Properties.HandleSize)
	for i := 0; i < groupCount; i++ {
		for b := 0; b < d.Properties.HandleSize; b++ {
			out[i*d.Properties.HandleSize+b] = byte(firstGroup + i + 1)
		}
	}
	return out, nil
}

// Queue executes submissions on the device.
type Queue struct {
	device *Device
	family int
}

func (q *Queue) Family() int {
	return q.family
}

func (q *Queue) Submit(info gpu.SubmitInfo) error {
	d := q.device
	if len(info.Wait) != len(info.WaitStages) {
		return errors.Newf("%d wait semaphores but %d wait stages", len(info.Wait), len(info.WaitStages))
	}

	submission := &Submission{Index: len(d.Submissions), Info: info}
	for _, semaphore := range info.Wait {
		s := semaphore.(*Semaphore)
		if !s.signaled {
			d.violate("submission %d waits on an unsignaled semaphore", submission.Index)
		}
		s.signaled = false
	}
	for _, commands := range info.Commands {
		cb := commands.(*CommandBuffer)
		if cb.recording || !cb.ended {
			return errors.Newf("submission %d holds a command buffer that was not ended", submission.Index)
		}
		submission.Ops = append(submission.Ops, cb.ops...)
	}
	if info.Fence != nil {
		fence := info.Fence.(*Fence)
		if fence.signaled || fence.pending != nil {
			d.violate("submission %d attaches fence that is not reset", submission.Index)
		}
		fence.pending = submission
	}
	for _, semaphore := range info.Signal {
		s := semaphore.(*Semaphore)
		if s.signaled {
			d.violate("submission %d signals a semaphore that is already signaled", submission.Index)
		}
		s.signaled = true
	}

	d.replay(submission)
	d.Submissions = append(d.Submissions, submission)
	if d.Deferred {
		d.pending = append(d.pending, submission)
	} else {
		d.finish(submission)
	}
	return nil
}

func (d *Device) finish(submission *Submission) {
	if fence, ok := submission.Info.Fence.(*Fence); ok && fence.pending == submission {
		fence.pending = nil
		fence.signaled = true
	}
	submission.Completed = true
}

// Present records the present and returns the next scripted result. A
// swapchain whose extent no longer matches its surface is out of date.
func (q *Queue) Present(info gpu.PresentInfo) error {
	d := q.device
	swapchain := info.Swapchain.(*Swapchain)
	for _, semaphore := range info.Wait {
		s := semaphore.(*Semaphore)
		if !s.signaled {
			d.violate("present waits on an unsignaled semaphore")
		}
		s.signaled = false
	}
	if swapchain.destroyed {
		d.violate("present to a destroyed swapchain")
		return gpu.ErrOutOfDate
	}
	image := swapchain.images[info.ImageIndex]
	if !swapchain.acquired[info.ImageIndex] {
		d.violate("present of image %d that was not acquired", info.ImageIndex)
	}
	swapchain.acquired[info.ImageIndex] = false

	var result error
	if len(d.presentScript) > 0 {
		result = d.presentScript[0]
		d.presentScript = d.presentScript[1:]
	} else if swapchain.stale() {
		result = gpu.ErrOutOfDate
	}
	if result == nil && image.layout != gpu.LayoutPresentSrc {
		d.violate("present of image %d in layout %s", info.ImageIndex, image.layout)
	}

	d.Presents = append(d.Presents, Present{
		Swapchain:  swapchain,
		ImageIndex: info.ImageIndex,
		Pixels:     append([]Color(nil), image.Pixels...),
		Err:        result,
	})
	return result
}

func (q *Queue) WaitIdle() error {
	q.device.Complete()
	return nil
}

type Submission struct {
	Index     int
	Info      gpu.SubmitInfo
	Ops       []Op
	Completed bool
}

func (s *Submission) references(obj any) bool {
	for _, op := range s.Ops {
		if op.references(obj) {
			return true
		}
	}
	for _, commands := range s.Info.Commands {
		if any(commands) == obj {
			return true
		}
	}
	return any(s.Info.Fence) == obj
}

// OpNames lists the names of the submission's commands in order.
func (s *Submission) OpNames() []string {
	names := make([]string, 0, len(s.Ops))
	for _, op := range s.Ops {
		names = append(names, op.Name)
	}
	return names
}

// Present is one recorded present request and a snapshot of the image.
type Present struct {
	Swapchain  *Swapchain
	ImageIndex int
	Pixels     []Color
	Err        error
}

type Swapchain struct {
	device  *Device
	surface *Surface
	Config  gpu.SwapchainConfig

	images    []*Image
	acquired  map[int]bool
	next      int
	retired   bool
	destroyed bool
}

func (s *Swapchain) stale() bool {
	if s.surface.Destroyed {
		return true
	}
	current := s.surface.Extent
	return current.Width >= 0 && current != s.Config.Extent
}

func (s *Swapchain) Images() []gpu.Image {
	out := make([]gpu.Image, 0, len(s.images))
	for _, image := range s.images {
		out = append(out, image)
	}
	return out
}

func (s *Swapchain) Extent() gpu.Extent2D { return s.Config.Extent }
func (s *Swapchain) Format() gpu.Format   { return s.Config.Format.Format }

func (s *Swapchain) AcquireNextImage(semaphore gpu.Semaphore, timeout time.Duration) (int, error) {
	d := s.device
	if s.destroyed || s.retired {
		d.violate("acquire from a retired swapchain")
		return 0, gpu.ErrOutOfDate
	}

	var result error
	if len(d.acquireScript) > 0 {
		result = d.acquireScript[0]
		d.acquireScript = d.acquireScript[1:]
	}
	if result == nil && s.stale() {
		result = gpu.ErrOutOfDate
	}
	if result != nil && !errors.Is(result, gpu.ErrSuboptimal) {
		return 0, result
	}

	sem := semaphore.(*Semaphore)
	if sem.signaled {
		d.violate("acquire signals a semaphore that is already signaled")
	}
	sem.signaled = true

	index := s.next
	s.next = (s.next + 1) % len(s.images)
	s.acquired[index] = true
	return index, result
}

func (s *Swapchain) Destroy() {
	s.device.release(s)
	s.destroyed = true
	for _, image := range s.images {
		image.destroyed = true
	}
}

// Image is a pixel buffer with a tracked layout.
type Image struct {
	device    *Device
	desc      gpu.ImageDesc
	view      *View
	layout    gpu.ImageLayout
	destroyed bool

	Pixels []Color
}

func newImage(d *Device, desc gpu.ImageDesc) *Image {
	image := &Image{
		device: d,
		desc:   desc,
		Pixels: make([]Color, desc.Extent.Width*desc.Extent.Height),
	}
	image.view = &View{image: image}
	return image
}

func (i *Image) Extent() gpu.Extent2D    { return i.desc.Extent }
func (i *Image) Format() gpu.Format      { return i.desc.Format }
func (i *Image) View() gpu.ImageView     { return i.view }
func (i *Image) Layout() gpu.ImageLayout { return i.layout }

// Pixel returns the pixel at (x, y).
func (i *Image) Pixel(x, y int) Color {
	return i.Pixels[y*i.desc.Extent.Width+x]
}

func (i *Image) Destroyed() bool { return i.destroyed }

func (i *Image) Destroy() {
	i.device.release(i)
	i.destroyed = true
}

type View struct {
	image *Image
}

func (v *View) Extent() gpu.Extent2D { return v.image.desc.Extent }
func (v *View) Format() gpu.Format   { return v.image.desc.Format }

// Image returns the image the view was created from.
func (v *View) Image() *Image { return v.image }

type Buffer struct {
	device    *Device
	Desc      gpu.BufferDesc
	Data      []byte
	address   uint64
	destroyed bool
}

func (b *Buffer) Size() int             { return len(b.Data) }
func (b *Buffer) DeviceAddress() uint64 { return b.address }

func (b *Buffer) Write(offset int, data []byte) error {
	if !b.Desc.HostVisible {
		return errors.New("buffer is not host visible")
	}
	if offset < 0 || offset+len(data) > len(b.Data) {
		return errors.Newf("write of %d bytes at %d overflows %d byte buffer", len(data), offset, len(b.Data))
	}
	copy(b.Data[offset:], data)
	return nil
}

func (b *Buffer) Destroyed() bool { return b.destroyed }

func (b *Buffer) Destroy() {
	b.device.release(b)
	b.destroyed = true
}

type Sampler struct {
	device *Device
}

func (s *Sampler) Destroy() { s.device.release(s) }

type ShaderModule struct {
	device    *Device
	Code      []uint32
	destroyed bool
}

func (m *ShaderModule) Destroy() {
	m.device.release(m)
	m.destroyed = true
}

type Pipeline struct {
	device *Device
	kind   gpu.PipelineKind
	layout gpu.PipelineLayout

	Compute    *gpu.ComputePipelineDesc
	Graphics   *gpu.GraphicsPipelineDesc
	RayTracing *gpu.RayTracingPipelineDesc
}

func (p *Pipeline) Kind() gpu.PipelineKind     { return p.kind }
func (p *Pipeline) Layout() gpu.PipelineLayout { return p.layout }
func (p *Pipeline) Destroy()                   { p.device.release(p) }

type Framebuffer struct {
	device *Device
	view   *View
}

func (f *Framebuffer) Extent() gpu.Extent2D { return f.view.Extent() }
func (f *Framebuffer) Destroy()             { f.device.release(f) }

type BindSet struct {
	device    *Device
	set       int
	bindings  []gpu.Binding
	destroyed bool
}

func (b *BindSet) Bindings() []gpu.Binding { return b.bindings }

func (b *BindSet) Destroyed() bool { return b.destroyed }

func (b *BindSet) Destroy() {
	b.device.release(b)
	b.destroyed = true
}

// AccelerationStructure records what its last build consumed.
type AccelerationStructure struct {
	device    *Device
	level     gpu.AccelerationStructureLevel
	storage   *Buffer
	address   uint64
	destroyed bool

	Built      bool
	Primitives int
	// Visible counts the instances of a top-level structure that have a
	// nonzero mask and reference a built, non-empty bottom-level structure.
	Visible int
}

func (a *AccelerationStructure) Level() gpu.AccelerationStructureLevel { return a.level }
func (a *AccelerationStructure) DeviceAddress() uint64                 { return a.address }

func (a *AccelerationStructure) Destroy() {
	a.device.release(a)
	a.destroyed = true
}

type Semaphore struct {
	device   *Device
	signaled bool
}

func (s *Semaphore) Destroy() { s.device.release(s) }

type Fence struct {
	device   *Device
	signaled bool
	pending  *Submission
}

// Wait completes outstanding work when the fence is pending. A fence that was
// never submitted would block forever; it reports gpu.ErrTimeout instead.
func (f *Fence) Wait(timeout time.Duration) error {
	if f.signaled {
		return nil
	}
	if f.pending == nil {
		return errors.Wrap(gpu.ErrTimeout, "fence was never submitted")
	}
	f.device.Complete()
	return nil
}

func (f *Fence) Reset() error {
	if f.pending != nil {
		f.device.violate("reset of a fence with pending work")
	}
	f.signaled = false
	return nil
}

func (f *Fence) Signaled() (bool, error) {
	return f.signaled, nil
}

func (f *Fence) Destroy() { f.device.release(f) }
