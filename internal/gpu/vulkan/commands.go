package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

var colorLayers = core1_0.ImageSubresourceLayers{
	AspectMask:     core1_0.ImageAspectColor,
	MipLevel:       0,
	BaseArrayLayer: 0,
	LayerCount:     1,
}

type CommandBuffer struct {
	device *Device
	buffer core1_0.CommandBuffer
	err    error
}

func (d *Device) CreateCommandBuffer() (gpu.CommandBuffer, error) {
	buffers, _, err := d.driver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "allocate command buffer")
	}
	return &CommandBuffer{device: d, buffer: buffers[0]}, nil
}

func (c *CommandBuffer) fail(err error) {
	if c.err == nil && err != nil {
		c.err = err
	}
}

// Begin resets the buffer and starts a one-time recording.
func (c *CommandBuffer) Begin() error {
	c.err = nil
	_, err := c.device.driver.BeginCommandBuffer(c.buffer, core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	return errors.Wrap(err, "begin command buffer")
}

func (c *CommandBuffer) End() error {
	_, err := c.device.driver.EndCommandBuffer(c.buffer)
	if c.err != nil {
		return errors.Wrap(c.err, "record command buffer")
	}
	return errors.Wrap(err, "end command buffer")
}

func (c *CommandBuffer) TransitionImage(image gpu.Image, from, to gpu.ImageLayout) {
	img, ok := image.(*Image)
	if !ok {
		c.fail(errors.Newf("image %T does not belong to this backend", image))
		return
	}

	srcAccess, srcStage := layoutScope(from, c.device.shaderStages)
	dstAccess, dstStage := layoutScope(to, c.device.shaderStages)
	err := c.device.driver.CmdPipelineBarrier(c.buffer, srcStage, dstStage, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			OldLayout:           toLayout(from),
			NewLayout:           toLayout(to),
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               img.image,
			SubresourceRange:    colorSubresource,
			SrcAccessMask:       srcAccess,
			DstAccessMask:       dstAccess,
		},
	})
	c.fail(errors.Wrapf(err, "transition %s -> %s", from, to))
}

func (c *CommandBuffer) pipeline(pipeline gpu.Pipeline) (*Pipeline, bool) {
	p, ok := pipeline.(*Pipeline)
	if !ok {
		c.fail(errors.Newf("pipeline %T does not belong to this backend", pipeline))
	}
	return p, ok
}

func (c *CommandBuffer) BindPipeline(pipeline gpu.Pipeline) {
	p, ok := c.pipeline(pipeline)
	if !ok {
		return
	}
	if p.kind == gpu.PipelineRayTracing {
		c.bindRayTracing(p)
		return
	}
	c.device.driver.CmdBindPipeline(c.buffer, p.bindPoint(), p.pipeline)
}

func (c *CommandBuffer) BindSet(pipeline gpu.Pipeline, set int, bindSet gpu.BindSet) {
	p, ok := c.pipeline(pipeline)
	if !ok {
		return
	}
	bs, ok := bindSet.(*BindSet)
	if !ok {
		c.fail(errors.Newf("bind set %T does not belong to this backend", bindSet))
		return
	}
	if p.kind == gpu.PipelineRayTracing {
		c.bindRayTracingSet(p, set, bs)
		return
	}
	c.device.driver.CmdBindDescriptorSets(c.buffer, p.bindPoint(), p.layout.layout, set, []core1_0.DescriptorSet{bs.set}, nil)
}

func (c *CommandBuffer) PushConstants(pipeline gpu.Pipeline, data []byte) {
	p, ok := c.pipeline(pipeline)
	if !ok {
		return
	}
	if len(data) > p.desc.PushConstants.Size {
		c.fail(errors.Newf("%d push constant bytes exceed range of %d", len(data), p.desc.PushConstants.Size))
		return
	}
	if len(data) == 0 {
		return
	}
	if p.kind == gpu.PipelineRayTracing {
		c.pushRayTracing(p, data)
		return
	}
	c.device.driver.CmdPushConstants(c.buffer, p.layout.layout, toShaderStages(p.desc.PushConstants.Stages), 0, data)
}

func (c *CommandBuffer) Dispatch(x, y, z int) {
	c.device.driver.CmdDispatch(c.buffer, x, y, z)
}

func (c *CommandBuffer) images(src, dst gpu.Image) (*Image, *Image, bool) {
	s, ok := src.(*Image)
	if !ok {
		c.fail(errors.Newf("image %T does not belong to this backend", src))
		return nil, nil, false
	}
	d, ok := dst.(*Image)
	if !ok {
		c.fail(errors.Newf("image %T does not belong to this backend", dst))
		return nil, nil, false
	}
	return s, d, true
}

// CopyImage copies extent texels between images of one format. src must be
// in the transfer source layout and dst in the transfer destination layout.
func (c *CommandBuffer) CopyImage(src, dst gpu.Image, extent gpu.Extent2D) {
	s, d, ok := c.images(src, dst)
	if !ok {
		return
	}
	err := c.device.driver.CmdCopyImage(c.buffer,
		s.image, core1_0.ImageLayoutTransferSrcOptimal,
		d.image, core1_0.ImageLayoutTransferDstOptimal,
		core1_0.ImageCopy{
			SrcSubresource: colorLayers,
			SrcOffset:      core1_0.Offset3D{X: 0, Y: 0, Z: 0},
			DstSubresource: colorLayers,
			DstOffset:      core1_0.Offset3D{X: 0, Y: 0, Z: 0},
			Extent:         core1_0.Extent3D{Width: extent.Width, Height: extent.Height, Depth: 1},
		})
	c.fail(errors.Wrap(err, "copy image"))
}

// BlitImage scales src onto dst with linear filtering, converting format on
// the way.
func (c *CommandBuffer) BlitImage(src, dst gpu.Image, srcExtent, dstExtent gpu.Extent2D) {
	s, d, ok := c.images(src, dst)
	if !ok {
		return
	}
	err := c.device.driver.CmdBlitImage(c.buffer,
		s.image, core1_0.ImageLayoutTransferSrcOptimal,
		d.image, core1_0.ImageLayoutTransferDstOptimal,
		[]core1_0.ImageBlit{
			{
				SrcSubresource: colorLayers,
				SrcOffsets: [2]core1_0.Offset3D{
					{X: 0, Y: 0, Z: 0},
					{X: srcExtent.Width, Y: srcExtent.Height, Z: 1},
				},
				DstSubresource: colorLayers,
				DstOffsets: [2]core1_0.Offset3D{
					{X: 0, Y: 0, Z: 0},
					{X: dstExtent.Width, Y: dstExtent.Height, Z: 1},
				},
			},
		}, core1_0.FilterLinear)
	c.fail(errors.Wrap(err, "blit image"))
}

// BeginRenderPass starts pipeline's render pass on framebuffer and sets the
// viewport and scissor to the framebuffer extent.
func (c *CommandBuffer) BeginRenderPass(pipeline gpu.Pipeline, framebuffer gpu.Framebuffer) {
	p, ok := c.pipeline(pipeline)
	if !ok {
		return
	}
	fb, ok := framebuffer.(*Framebuffer)
	if !ok || p.kind != gpu.PipelineGraphics {
		c.fail(errors.New("render pass needs a graphics pipeline and a framebuffer"))
		return
	}

	extent := core1_0.Extent2D{Width: fb.extent.Width, Height: fb.extent.Height}
	err := c.device.driver.CmdBeginRenderPass(c.buffer, core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  p.renderPass,
			Framebuffer: fb.framebuffer,
			RenderArea: core1_0.Rect2D{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: extent,
			},
		})
	if err != nil {
		c.fail(errors.Wrap(err, "begin render pass"))
		return
	}

	c.device.driver.CmdSetViewport(c.buffer, core1_0.Viewport{
		X:        0,
		Y:        0,
		Width:    float32(extent.Width),
		Height:   float32(extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	})
	c.device.driver.CmdSetScissor(c.buffer, core1_0.Rect2D{
		Offset: core1_0.Offset2D{X: 0, Y: 0},
		Extent: extent,
	})
}

func (c *CommandBuffer) Draw(vertexCount, instanceCount int) {
	c.device.driver.CmdDraw(c.buffer, vertexCount, instanceCount, 0, 0)
}

func (c *CommandBuffer) EndRenderPass() {
	c.device.driver.CmdEndRenderPass(c.buffer)
}

func (c *CommandBuffer) Destroy() {
	c.device.driver.FreeCommandBuffers(c.buffer)
}
