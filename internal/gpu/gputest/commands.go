package gputest

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// Op is one recorded command. Only the fields relevant to Name are set.
type Op struct {
	Name string

	Image       *Image
	Dst         *Image
	From, To    gpu.ImageLayout
	Pipeline    *Pipeline
	Set         int
	BindSet     *BindSet
	Data        []byte
	Counts      [3]int
	Regions     gpu.ShaderBindingRegions
	Extent      gpu.Extent2D
	DstExtent   gpu.Extent2D
	Framebuffer *Framebuffer
	Build       gpu.AccelerationStructureBuild
}

func (o Op) references(obj any) bool {
	switch {
	case o.Image != nil && any(o.Image) == obj,
		o.Dst != nil && any(o.Dst) == obj,
		o.Pipeline != nil && any(o.Pipeline) == obj,
		o.BindSet != nil && any(o.BindSet) == obj,
		o.Framebuffer != nil && any(o.Framebuffer) == obj:
		return true
	}
	if o.Framebuffer != nil && any(o.Framebuffer.view.image) == obj {
		return true
	}
	if o.BindSet != nil {
		for _, binding := range o.BindSet.bindings {
			if view, ok := binding.View.(*View); ok && any(view.image) == obj {
				return true
			}
			if binding.Structure != nil && any(binding.Structure) == obj {
				return true
			}
		}
	}
	if o.Name == "build" {
		if any(o.Build.Destination) == obj || any(o.Build.Scratch) == obj {
			return true
		}
		if t := o.Build.Geometry.Triangles; t != nil && (any(t.VertexBuffer) == obj || (t.IndexBuffer != nil && any(t.IndexBuffer) == obj)) {
			return true
		}
		if i := o.Build.Geometry.Instances; i != nil && any(i.InstanceBuffer) == obj {
			return true
		}
	}
	return false
}

type CommandBuffer struct {
	device    *Device
	ops       []Op
	recording bool
	ended     bool
	inPass    bool
	err       error
}

func (c *CommandBuffer) Begin() error {
	for _, submission := range c.device.pending {
		for _, commands := range submission.Info.Commands {
			if commands == gpu.CommandBuffer(c) {
				c.device.violate("command buffer re-recorded while submission %d is pending", submission.Index)
			}
		}
	}
	c.ops = nil
	c.recording = true
	c.ended = false
	c.inPass = false
	c.err = nil
	return nil
}

func (c *CommandBuffer) End() error {
	if !c.recording {
		return errors.New("end of a command buffer that is not recording")
	}
	if c.inPass {
		c.fail(errors.New("render pass still open"))
	}
	c.recording = false
	c.ended = true
	return c.err
}

// Ops returns the commands of the last recording.
func (c *CommandBuffer) Ops() []Op {
	return c.ops
}

func (c *CommandBuffer) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *CommandBuffer) record(op Op) {
	if !c.recording {
		c.fail(errors.Newf("%s recorded outside Begin/End", op.Name))
		return
	}
	c.ops = append(c.ops, op)
}

func (c *CommandBuffer) TransitionImage(image gpu.Image, from, to gpu.ImageLayout) {
	c.record(Op{Name: "transition", Image: image.(*Image), From: from, To: to})
}

func (c *CommandBuffer) BindPipeline(pipeline gpu.Pipeline) {
	c.record(Op{Name: "bind-pipeline", Pipeline: pipeline.(*Pipeline)})
}

func (c *CommandBuffer) BindSet(pipeline gpu.Pipeline, set int, bindSet gpu.BindSet) {
	c.record(Op{Name: "bind-set", Pipeline: pipeline.(*Pipeline), Set: set, BindSet: bindSet.(*BindSet)})
}

func (c *CommandBuffer) PushConstants(pipeline gpu.Pipeline, data []byte) {
	if size := pipeline.Layout().PushConstants.Size; len(data) > size {
		c.fail(errors.Newf("push of %d bytes exceeds %d byte range", len(data), size))
	}
	c.record(Op{Name: "push-constants", Pipeline: pipeline.(*Pipeline), Data: append([]byte(nil), data...)})
}

func (c *CommandBuffer) Dispatch(x, y, z int) {
	if x <= 0 || y <= 0 || z <= 0 {
		c.fail(errors.Newf("dispatch %dx%dx%d has an empty dimension", x, y, z))
	}
	c.record(Op{Name: "dispatch", Counts: [3]int{x, y, z}})
}

func (c *CommandBuffer) TraceRays(regions gpu.ShaderBindingRegions, width, height, depth int) {
	c.record(Op{Name: "trace", Regions: regions, Counts: [3]int{width, height, depth}})
}

func (c *CommandBuffer) CopyImage(src, dst gpu.Image, extent gpu.Extent2D) {
	c.record(Op{Name: "copy", Image: src.(*Image), Dst: dst.(*Image), Extent: extent})
}

func (c *CommandBuffer) BlitImage(src, dst gpu.Image, srcExtent, dstExtent gpu.Extent2D) {
	c.record(Op{Name: "blit", Image: src.(*Image), Dst: dst.(*Image), Extent: srcExtent, DstExtent: dstExtent})
}

func (c *CommandBuffer) BeginRenderPass(pipeline gpu.Pipeline, framebuffer gpu.Framebuffer) {
	if c.inPass {
		c.fail(errors.New("render pass begun inside another"))
	}
	c.inPass = true
	c.record(Op{Name: "begin-render-pass", Pipeline: pipeline.(*Pipeline), Framebuffer: framebuffer.(*Framebuffer)})
}

func (c *CommandBuffer) Draw(vertexCount, instanceCount int) {
	if !c.inPass {
		c.fail(errors.New("draw outside a render pass"))
	}
	c.record(Op{Name: "draw", Counts: [3]int{vertexCount, instanceCount, 1}})
}

func (c *CommandBuffer) EndRenderPass() {
	if !c.inPass {
		c.fail(errors.New("end of a render pass that was not begun"))
	}
	c.inPass = false
	c.record(Op{Name: "end-render-pass"})
}

func (c *CommandBuffer) BuildAccelerationStructure(build gpu.AccelerationStructureBuild) {
	if build.Destination == nil || build.Scratch == nil {
		c.fail(errors.New("acceleration structure build needs a destination and scratch"))
	}
	if build.Destination != nil && build.Destination.Level() != build.Geometry.Level {
		c.fail(errors.Newf("%s geometry built into a %s structure", build.Geometry.Level, build.Destination.Level()))
	}
	c.record(Op{Name: "build", Build: build})
}

func (c *CommandBuffer) AccelerationStructureBarrier() {
	c.record(Op{Name: "structure-barrier"})
}

func (c *CommandBuffer) Destroy() {
	c.device.release(c)
}

// replayState is the command-buffer state of one submission being executed.
type replayState struct {
	pipelines  map[gpu.PipelineKind]*Pipeline
	sets       map[gpu.PipelineKind]map[int]*BindSet
	push       []byte
	fb         *Framebuffer
	unfinished map[*AccelerationStructure]bool
}

func (d *Device) replay(submission *Submission) {
	state := &replayState{
		pipelines:  map[gpu.PipelineKind]*Pipeline{},
		sets:       map[gpu.PipelineKind]map[int]*BindSet{},
		unfinished: map[*AccelerationStructure]bool{},
	}
	for _, op := range submission.Ops {
		d.execute(state, op)
	}
}

func (d *Device) liveImage(image *Image, use string) bool {
	if image.destroyed {
		d.violate("%s uses a destroyed image", use)
		return false
	}
	return true
}

func (d *Device) execute(state *replayState, op Op) {
	switch op.Name {
	case "transition":
		if !d.liveImage(op.Image, "transition") {
			return
		}
		if op.From != gpu.LayoutUndefined && op.From != op.Image.layout {
			d.violate("transition from %s but image is in %s", op.From, op.Image.layout)
		}
		op.Image.layout = op.To

	case "bind-pipeline":
		state.pipelines[op.Pipeline.kind] = op.Pipeline

	case "bind-set":
		if op.BindSet.destroyed {
			d.violate("bind of a destroyed bind set")
			return
		}
		if state.sets[op.Pipeline.kind] == nil {
			state.sets[op.Pipeline.kind] = map[int]*BindSet{}
		}
		state.sets[op.Pipeline.kind][op.Set] = op.BindSet

	case "push-constants":
		state.push = op.Data

	case "dispatch":
		target := d.boundImage(state, gpu.PipelineCompute, gpu.LayoutGeneral, "dispatch")
		d.Dispatches = append(d.Dispatches, op.Counts)
		if target == nil {
			return
		}
		width := min(op.Counts[0]*d.Tile.Width, target.desc.Extent.Width)
		height := min(op.Counts[1]*d.Tile.Height, target.desc.Extent.Height)
		fill(target, width, height, d.ComputeColor)

	case "trace":
		d.Traces = append(d.Traces, op.Counts)
		if state.pipelines[gpu.PipelineRayTracing] == nil {
			d.violate("trace without a ray tracing pipeline")
			return
		}
		d.checkRegions(op.Regions)
		target := d.boundImage(state, gpu.PipelineRayTracing, gpu.LayoutGeneral, "trace")
		tlas := d.boundStructure(state)
		if target == nil || tlas == nil {
			return
		}
		color := d.MissColor
		if tlas.Visible > 0 {
			color = d.HitColor
		}
		fill(target, min(op.Counts[0], target.desc.Extent.Width), min(op.Counts[1], target.desc.Extent.Height), color)

	case "copy", "blit":
		if !d.liveImage(op.Image, op.Name) || !d.liveImage(op.Dst, op.Name) {
			return
		}
		if op.Image.layout != gpu.LayoutTransferSrc || op.Dst.layout != gpu.LayoutTransferDst {
			d.violate("%s from %s to %s", op.Name, op.Image.layout, op.Dst.layout)
		}
		dstExtent := op.DstExtent
		if op.Name == "copy" {
			dstExtent = op.Extent
		}
		sample(op.Image, op.Extent, op.Dst, dstExtent)

	case "begin-render-pass":
		if !d.liveImage(op.Framebuffer.view.image, "render pass") {
			return
		}
		state.fb = op.Framebuffer
		state.fb.view.image.layout = gpu.LayoutColorAttachment
		state.pipelines[gpu.PipelineGraphics] = op.Pipeline

	case "draw":
		if state.fb == nil {
			d.violate("draw without a framebuffer")
			return
		}
		source := d.boundImage(state, gpu.PipelineGraphics, gpu.LayoutShaderReadOnly, "draw")
		if source == nil || op.Counts[0] < 3 || op.Counts[1] < 1 {
			return
		}
		dst := state.fb.view.image
		sample(source, source.desc.Extent, dst, dst.desc.Extent)

	case "end-render-pass":
		if state.fb != nil {
			state.fb.view.image.layout = gpu.LayoutPresentSrc
		}
		state.fb = nil

	case "build":
		d.build(state, op.Build)

	case "structure-barrier":
		state.unfinished = map[*AccelerationStructure]bool{}
	}
}

// boundImage finds the image bound in set 0 of the pipeline bound for kind and
// checks it is in layout.
func (d *Device) boundImage(state *replayState, kind gpu.PipelineKind, layout gpu.ImageLayout, use string) *Image {
	if state.pipelines[kind] == nil {
		d.violate("%s without a %s pipeline", use, kind)
		return nil
	}
	bindSet := state.sets[kind][0]
	if bindSet == nil {
		d.violate("%s without a bind set", use)
		return nil
	}
	for _, binding := range bindSet.bindings {
		view, ok := binding.View.(*View)
		if !ok {
			continue
		}
		if !d.liveImage(view.image, use) {
			return nil
		}
		if view.image.layout != layout {
			d.violate("%s reads image in %s, want %s", use, view.image.layout, layout)
		}
		return view.image
	}
	d.violate("%s bind set has no image", use)
	return nil
}

func (d *Device) boundStructure(state *replayState) *AccelerationStructure {
	for _, bindSet := range state.sets[gpu.PipelineRayTracing] {
		for _, binding := range bindSet.bindings {
			if structure, ok := binding.Structure.(*AccelerationStructure); ok {
				if structure.destroyed || !structure.Built {
					d.violate("trace against a structure that is destroyed or unbuilt")
					return nil
				}
				return structure
			}
		}
	}
	d.violate("trace without an acceleration structure")
	return nil
}

// checkRegions verifies each table row starts with the handle of the group
// the trace expects there: generation 0, miss 1, hit 2.
func (d *Device) checkRegions(regions gpu.ShaderBindingRegions) {
	if regions.RayGeneration.Stride != regions.RayGeneration.Size {
		d.violate("ray generation stride %d must equal its size %d", regions.RayGeneration.Stride, regions.RayGeneration.Size)
	}
	rows := []struct {
		name   string
		region gpu.StridedRegion
		group  int
	}{
		{"ray generation", regions.RayGeneration, 0},
		{"miss", regions.Miss, 1},
		{"hit", regions.Hit, 2},
	}
	for _, row := range rows {
		if row.region.Address%uint64(d.Properties.BaseAlignment) != 0 {
			d.violate("%s region at %#x is not aligned to %d", row.name, row.region.Address, d.Properties.BaseAlignment)
		}
		if row.region.Stride%d.Properties.HandleAlignment != 0 || row.region.Stride < d.Properties.HandleSize {
			d.violate("%s region stride %d is invalid", row.name, row.region.Stride)
		}
		buffer, offset, ok := d.lookup(row.region.Address)
		if !ok || offset+d.Properties.HandleSize > len(buffer.Data) {
			d.violate("%s region at %#x is not backed by a buffer", row.name, row.region.Address)
			continue
		}
		want := bytes.Repeat([]byte{byte(row.group + 1)}, d.Properties.HandleSize)
		if !bytes.Equal(buffer.Data[offset:offset+d.Properties.HandleSize], want) {
			d.violate("%s region does not hold the handle of group %d", row.name, row.group)
		}
	}
}

// instanceRecordSize is the size of one encoded top-level instance; the mask
// is the high byte of the word at 48 and the structure reference sits at 56.
const instanceRecordSize = 64

func (d *Device) build(state *replayState, build gpu.AccelerationStructureBuild) {
	d.Builds = append(d.Builds, build.Geometry.Level)

	destination, ok := build.Destination.(*AccelerationStructure)
	if !ok || destination.destroyed {
		d.violate("build into a destroyed structure")
		return
	}
	sizes, _ := d.AccelerationStructureBuildSizes(build.Geometry)
	if scratch, ok := build.Scratch.(*Buffer); !ok || scratch.destroyed || scratch.Size() < sizes.ScratchSize {
		d.violate("build scratch buffer is missing or smaller than %d bytes", sizes.ScratchSize)
	}

	destination.Primitives = build.Geometry.PrimitiveCount()
	destination.Visible = 0

	if instances := build.Geometry.Instances; instances != nil {
		data := instances.InstanceBuffer.(*Buffer).Data
		for i := 0; i < instances.Count; i++ {
			record := data[i*instanceRecordSize : (i+1)*instanceRecordSize]
			mask := record[51]
			reference := binary.LittleEndian.Uint64(record[56:])
			blas := d.structureAt(reference)
			if blas == nil {
				d.violate("instance %d references unknown structure %#x", i, reference)
				continue
			}
			if !blas.Built || state.unfinished[blas] {
				d.violate("instance %d references a bottom-level structure that is not built", i)
				continue
			}
			if mask != 0 && blas.Primitives > 0 {
				destination.Visible++
			}
		}
	}

	destination.Built = true
	state.unfinished[destination] = true
}

func (d *Device) structureAt(address uint64) *AccelerationStructure {
	for obj := range d.live {
		if structure, ok := obj.(*AccelerationStructure); ok && structure.address == address {
			return structure
		}
	}
	return nil
}

func fill(image *Image, width, height int, color Color) {
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			image.Pixels[y*image.desc.Extent.Width+x] = color
		}
	}
}

// sample copies src's srcExtent region onto dst's dstExtent region with
// nearest filtering.
func sample(src *Image, srcExtent gpu.Extent2D, dst *Image, dstExtent gpu.Extent2D) {
	srcExtent.Width = min(srcExtent.Width, src.desc.Extent.Width)
	srcExtent.Height = min(srcExtent.Height, src.desc.Extent.Height)
	dstExtent.Width = min(dstExtent.Width, dst.desc.Extent.Width)
	dstExtent.Height = min(dstExtent.Height, dst.desc.Extent.Height)
	if srcExtent.Empty() || dstExtent.Empty() {
		return
	}
	for y := 0; y < dstExtent.Height; y++ {
		sy := y * srcExtent.Height / dstExtent.Height
		for x := 0; x < dstExtent.Width; x++ {
			sx := x * srcExtent.Width / dstExtent.Width
			dst.Pixels[y*dst.desc.Extent.Width+x] = src.Pixels[sy*src.desc.Extent.Width+sx]
		}
	}
}
