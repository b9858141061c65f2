package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

type pipelineLayout struct {
	setLayouts []core1_0.DescriptorSetLayout
	layout     core1_0.PipelineLayout
}

// createLayout builds one descriptor set layout per set index up to the
// highest declared set. Undeclared indices get empty layouts.
func (d *Device) createLayout(desc gpu.PipelineLayout) (*pipelineLayout, error) {
	count := 0
	for _, set := range desc.Sets {
		count = max(count, set.Set+1)
	}

	l := &pipelineLayout{}
	for i := 0; i < count; i++ {
		setDesc, _ := desc.Set(i)
		var bindings []core1_0.DescriptorSetLayoutBinding
		for _, entry := range setDesc.Entries {
			bindings = append(bindings, core1_0.DescriptorSetLayoutBinding{
				Binding:         entry.Binding,
				DescriptorType:  toDescriptorType(entry.Type),
				DescriptorCount: max(entry.Count, 1),
				StageFlags:      toShaderStages(entry.Stages),
			})
		}

		setLayout, _, err := d.driver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
			Bindings: bindings,
		})
		if err != nil {
			l.destroy(d)
			return nil, errors.Wrapf(err, "create layout of set %d", i)
		}
		l.setLayouts = append(l.setLayouts, setLayout)
	}

	info := core1_0.PipelineLayoutCreateInfo{SetLayouts: l.setLayouts}
	if desc.PushConstants.Size > 0 {
		info.PushConstantRanges = []core1_0.PushConstantRange{
			{
				Stages: toShaderStages(desc.PushConstants.Stages),
				Offset: 0,
				Size:   desc.PushConstants.Size,
			},
		}
	}

	var err error
	l.layout, _, err = d.driver.CreatePipelineLayout(nil, info)
	if err != nil {
		l.destroy(d)
		return nil, errors.Wrap(err, "create pipeline layout")
	}
	return l, nil
}

func (l *pipelineLayout) destroy(d *Device) {
	if l.layout.Initialized() {
		d.driver.DestroyPipelineLayout(l.layout, nil)
	}
	for _, setLayout := range l.setLayouts {
		d.driver.DestroyDescriptorSetLayout(setLayout, nil)
	}
}

type Pipeline struct {
	device *Device
	kind   gpu.PipelineKind
	desc   gpu.PipelineLayout
	layout *pipelineLayout

	pipeline   core1_0.Pipeline
	renderPass core1_0.RenderPass

	// groups and raw are set for ray tracing pipelines, which are created
	// outside the wrapper.
	groups int
	raw    unsafe.Pointer
}

func (p *Pipeline) Kind() gpu.PipelineKind     { return p.kind }
func (p *Pipeline) Layout() gpu.PipelineLayout { return p.desc }

func (p *Pipeline) bindPoint() core1_0.PipelineBindPoint {
	switch p.kind {
	case gpu.PipelineGraphics:
		return core1_0.PipelineBindPointGraphics
	case gpu.PipelineRayTracing:
		return pipelineBindPointRayTracing
	}
	return core1_0.PipelineBindPointCompute
}

func (p *Pipeline) Destroy() {
	if p.kind == gpu.PipelineRayTracing {
		p.destroyRayTracing()
	} else {
		p.device.driver.DestroyPipeline(p.pipeline, nil)
	}
	if p.renderPass.Initialized() {
		p.device.driver.DestroyRenderPass(p.renderPass, nil)
	}
	p.layout.destroy(p.device)
}

func shaderStage(desc gpu.ShaderStageDesc) (core1_0.PipelineShaderStageCreateInfo, error) {
	module, ok := desc.Module.(*ShaderModule)
	if !ok {
		return core1_0.PipelineShaderStageCreateInfo{}, errors.Newf("%s stage module %T does not belong to this backend", desc.Stage, desc.Module)
	}
	return core1_0.PipelineShaderStageCreateInfo{
		Stage:  toShaderStages(desc.Stage),
		Module: module.module,
		Name:   desc.Entry,
	}, nil
}

func (d *Device) CreateComputePipeline(desc gpu.ComputePipelineDesc) (gpu.Pipeline, error) {
	stage, err := shaderStage(desc.Stage)
	if err != nil {
		return nil, err
	}
	layout, err := d.createLayout(desc.Layout)
	if err != nil {
		return nil, err
	}

	pipelines, _, err := d.driver.CreateComputePipelines(nil, nil, core1_0.ComputePipelineCreateInfo{
		Stage:             stage,
		Layout:            layout.layout,
		BasePipelineIndex: -1,
	})
	if err != nil {
		layout.destroy(d)
		return nil, errors.Wrap(err, "create compute pipeline")
	}
	return &Pipeline{device: d, kind: gpu.PipelineCompute, desc: desc.Layout, layout: layout, pipeline: pipelines[0]}, nil
}

// createPresentPass returns a single-subpass render pass that overwrites a
// color attachment and leaves it ready to present.
func (d *Device) createPresentPass(format core1_0.Format) (core1_0.RenderPass, error) {
	renderPass, _, err := d.driver.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         format,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpDontCare,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
			},
		},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				DstAccessMask: core1_0.AccessColorAttachmentWrite,
			},
		},
	})
	return renderPass, errors.Wrap(err, "create render pass")
}

func (d *Device) CreateGraphicsPipeline(desc gpu.GraphicsPipelineDesc) (gpu.Pipeline, error) {
	vertStage, err := shaderStage(desc.Vertex)
	if err != nil {
		return nil, err
	}
	fragStage, err := shaderStage(desc.Fragment)
	if err != nil {
		return nil, err
	}
	format := toFormat(desc.ColorFormat)
	if format == core1_0.FormatUndefined {
		return nil, errors.Newf("unsupported color format %s", desc.ColorFormat)
	}

	renderPass, err := d.createPresentPass(format)
	if err != nil {
		return nil, err
	}
	layout, err := d.createLayout(desc.Layout)
	if err != nil {
		d.driver.DestroyRenderPass(renderPass, nil)
		return nil, err
	}

	topology := core1_0.PrimitiveTopologyTriangleList
	if desc.Topology == gpu.TopologyTriangleStrip {
		topology = core1_0.PrimitiveTopologyTriangleStrip
	}

	// Viewport and scissor are dynamic so one pipeline serves every
	// swapchain extent.
	pipelines, _, err := d.driver.CreateGraphicsPipelines(nil, nil,
		core1_0.GraphicsPipelineCreateInfo{
			Stages: []core1_0.PipelineShaderStageCreateInfo{
				vertStage,
				fragStage,
			},
			VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{},
			InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
				Topology: topology,
			},
			ViewportState: &core1_0.PipelineViewportStateCreateInfo{
				Viewports: []core1_0.Viewport{{}},
				Scissors:  []core1_0.Rect2D{{}},
			},
			RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
				PolygonMode: core1_0.PolygonModeFill,
				CullMode:    core1_0.CullModeNone,
				FrontFace:   core1_0.FrontFaceCounterClockwise,
				LineWidth:   1.0,
			},
			MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
				RasterizationSamples: core1_0.Samples1,
				MinSampleShading:     1.0,
			},
			ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
				Attachments: []core1_0.PipelineColorBlendAttachmentState{
					{
						ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
					},
				},
			},
			DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
				DynamicStates: []core1_0.DynamicState{core1_0.DynamicStateViewport, core1_0.DynamicStateScissor},
			},
			Layout:            layout.layout,
			RenderPass:        renderPass,
			Subpass:           0,
			BasePipelineIndex: -1,
		},
	)
	if err != nil {
		layout.destroy(d)
		d.driver.DestroyRenderPass(renderPass, nil)
		return nil, errors.Wrap(err, "create graphics pipeline")
	}

	return &Pipeline{
		device:     d,
		kind:       gpu.PipelineGraphics,
		desc:       desc.Layout,
		layout:     layout,
		pipeline:   pipelines[0],
		renderPass: renderPass,
	}, nil
}

type Framebuffer struct {
	device      *Device
	framebuffer core1_0.Framebuffer
	renderPass  core1_0.RenderPass
	extent      gpu.Extent2D
}

func (d *Device) CreateFramebuffer(pipeline gpu.Pipeline, view gpu.ImageView) (gpu.Framebuffer, error) {
	p, ok := pipeline.(*Pipeline)
	if !ok || p.kind != gpu.PipelineGraphics {
		return nil, errors.Newf("%s pipeline has no render pass", pipeline.Kind())
	}
	v, ok := view.(*ImageView)
	if !ok {
		return nil, errors.Newf("image view %T does not belong to this backend", view)
	}

	framebuffer, _, err := d.driver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass:  p.renderPass,
		Layers:      1,
		Attachments: []core1_0.ImageView{v.view},
		Width:       v.extent.Width,
		Height:      v.extent.Height,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create %s framebuffer", v.extent)
	}
	return &Framebuffer{device: d, framebuffer: framebuffer, renderPass: p.renderPass, extent: v.extent}, nil
}

func (f *Framebuffer) Extent() gpu.Extent2D { return f.extent }

func (f *Framebuffer) Destroy() {
	f.device.driver.DestroyFramebuffer(f.framebuffer, nil)
}

type BindSet struct {
	device   *Device
	pool     core1_0.DescriptorPool
	set      core1_0.DescriptorSet
	bindings []gpu.Binding
}

// CreateBindSet allocates set of pipeline's layout from a pool sized for it
// and writes bindings into it.
func (d *Device) CreateBindSet(pipeline gpu.Pipeline, set int, bindings []gpu.Binding) (gpu.BindSet, error) {
	p, ok := pipeline.(*Pipeline)
	if !ok {
		return nil, errors.Newf("pipeline %T does not belong to this backend", pipeline)
	}
	setDesc, ok := p.desc.Set(set)
	if !ok || set >= len(p.layout.setLayouts) {
		return nil, errors.Newf("%s pipeline has no set %d", p.kind, set)
	}

	counts := map[core1_0.DescriptorType]int{}
	for _, entry := range setDesc.Entries {
		counts[toDescriptorType(entry.Type)] += max(entry.Count, 1)
	}
	var poolSizes []core1_0.DescriptorPoolSize
	for descriptorType, count := range counts {
		poolSizes = append(poolSizes, core1_0.DescriptorPoolSize{Type: descriptorType, DescriptorCount: count})
	}

	pool, _, err := d.driver.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets:   1,
		PoolSizes: poolSizes,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create descriptor pool")
	}
	sets, _, err := d.driver.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{p.layout.setLayouts[set]},
	})
	if err != nil {
		d.driver.DestroyDescriptorPool(pool, nil)
		return nil, errors.Wrapf(err, "allocate set %d", set)
	}

	bindSet := &BindSet{device: d, pool: pool, set: sets[0], bindings: bindings}
	if err := d.writeBindings(bindSet, setDesc, bindings); err != nil {
		bindSet.Destroy()
		return nil, err
	}
	return bindSet, nil
}

func (d *Device) writeBindings(bindSet *BindSet, setDesc gpu.SetLayout, bindings []gpu.Binding) error {
	var writes []core1_0.WriteDescriptorSet
	for _, binding := range bindings {
		entry, ok := setDesc.Entry(binding.Slot)
		if !ok {
			return errors.Newf("set %d has no binding %d", setDesc.Set, binding.Slot)
		}

		write := core1_0.WriteDescriptorSet{
			DstSet:          bindSet.set,
			DstBinding:      binding.Slot,
			DstArrayElement: 0,
			DescriptorType:  toDescriptorType(entry.Type),
		}
		image := core1_0.DescriptorImageInfo{ImageLayout: toLayout(binding.Layout)}

		switch entry.Type {
		case gpu.BindingStorageImage, gpu.BindingSampledImage, gpu.BindingCombinedImageSampler:
			view, ok := binding.View.(*ImageView)
			if !ok {
				return errors.Newf("%s binding %d needs an image view", entry.Type, binding.Slot)
			}
			image.ImageView = view.view
			if entry.Type == gpu.BindingCombinedImageSampler {
				sampler, ok := binding.Sampler.(*Sampler)
				if !ok {
					return errors.Newf("%s binding %d needs a sampler", entry.Type, binding.Slot)
				}
				image.Sampler = sampler.sampler
			}
			write.ImageInfo = []core1_0.DescriptorImageInfo{image}

		case gpu.BindingSampler:
			sampler, ok := binding.Sampler.(*Sampler)
			if !ok {
				return errors.Newf("%s binding %d needs a sampler", entry.Type, binding.Slot)
			}
			image.Sampler = sampler.sampler
			write.ImageInfo = []core1_0.DescriptorImageInfo{image}

		case gpu.BindingAccelerationStructure:
			structure, ok := binding.Structure.(*AccelerationStructure)
			if !ok || d.rt == nil {
				return errors.Newf("%s binding %d needs an acceleration structure", entry.Type, binding.Slot)
			}
			d.writeStructure(bindSet, binding.Slot, structure)
			continue

		default:
			return errors.Wrapf(gpu.ErrUnsupported, "%s binding %d", entry.Type, binding.Slot)
		}
		writes = append(writes, write)
	}

	if len(writes) == 0 {
		return nil
	}
	return errors.Wrap(d.driver.UpdateDescriptorSets(writes, nil), "update bind set")
}

func (b *BindSet) Bindings() []gpu.Binding { return b.bindings }

func (b *BindSet) Destroy() {
	b.device.driver.DestroyDescriptorPool(b.pool, nil)
}
