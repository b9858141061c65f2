// Package pipeline assembles compute, graphics and ray tracing pipelines with
// layouts derived from shader reflection.
package pipeline

import (
	"log/slog"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/shader"
)

type Builder struct {
	ctx  *device.Context
	log  *slog.Logger
	tile gpu.Extent2D
}

// NewBuilder returns a builder whose compute entries must run with a
// tile.Width x tile.Height x 1 work group.
func NewBuilder(ctx *device.Context, tile gpu.Extent2D) *Builder {
	return &Builder{
		ctx:  ctx,
		log:  ctx.Logger.With("component", "pipeline"),
		tile: tile,
	}
}

// LayoutFor turns the descriptors a module declares into a pipeline layout
// visible to stages.
func LayoutFor(reflection *shader.Reflection, stages gpu.ShaderStage) (gpu.PipelineLayout, error) {
	bySet := map[int]*gpu.SetLayout{}
	for _, resource := range reflection.Resources {
		set, ok := bySet[resource.Set]
		if !ok {
			set = &gpu.SetLayout{Set: resource.Set}
			bySet[resource.Set] = set
		}
		if existing, ok := set.Entry(resource.Binding); ok {
			if existing.Type != resource.Type {
				return gpu.PipelineLayout{}, errors.Newf("set %d binding %d declared as both %s and %s",
					resource.Set, resource.Binding, existing.Type, resource.Type)
			}
			continue
		}
		set.Entries = append(set.Entries, gpu.LayoutEntry{
			Binding: resource.Binding,
			Type:    resource.Type,
			Count:   resource.Count,
			Stages:  stages,
		})
	}

	var layout gpu.PipelineLayout
	for _, set := range bySet {
		layout.Sets = append(layout.Sets, *set)
	}
	sort.Slice(layout.Sets, func(i, j int) bool { return layout.Sets[i].Set < layout.Sets[j].Set })

	if reflection.PushConstantSize > 0 {
		layout.PushConstants = gpu.PushConstantRange{Size: reflection.PushConstantSize, Stages: stages}
	}
	return layout, nil
}

func stageEntry(module *shader.Module, name string, stage gpu.ShaderStage) (shader.EntryPoint, error) {
	entry, err := module.EntryPoint(name)
	if err != nil {
		return entry, err
	}
	if entry.Stage != stage {
		return entry, errors.Newf("entry point %q of %s is a %s shader, want %s", name, module.Name, entry.Stage, stage)
	}
	return entry, nil
}

// BuildCompute builds a compute pipeline running entry. The entry's work-group
// shape must match the tile size.
func (b *Builder) BuildCompute(module *shader.Module, entry string) (gpu.Pipeline, error) {
	ep, err := stageEntry(module, entry, gpu.StageCompute)
	if err != nil {
		return nil, err
	}
	if want := [3]int{b.tile.Width, b.tile.Height, 1}; ep.LocalSize != want {
		return nil, errors.Newf("compute entry %q runs %v work groups, tiling needs %v", entry, ep.LocalSize, want)
	}

	layout, err := LayoutFor(module.Reflection, gpu.StageCompute)
	if err != nil {
		return nil, errors.Wrapf(err, "layout of %s", module.Name)
	}

	shaderModule, err := b.ctx.Device.CreateShaderModule(module.Code)
	if err != nil {
		return nil, errors.Wrapf(err, "create shader module %s", module.Name)
	}
	defer shaderModule.Destroy()

	pipeline, err := b.ctx.Device.CreateComputePipeline(gpu.ComputePipelineDesc{
		Stage:  gpu.ShaderStageDesc{Module: shaderModule, Entry: entry, Stage: gpu.StageCompute},
		Layout: layout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create compute pipeline %s", entry)
	}

	b.log.Debug("Built compute pipeline", "module", module.Name, "entry", entry, "sets", len(layout.Sets))
	return pipeline, nil
}

// BuildGraphics builds the full-screen pipeline: a triangle strip with no
// vertex input, drawn into an attachment of colorFormat.
func (b *Builder) BuildGraphics(module *shader.Module, vertexEntry, fragmentEntry string, colorFormat gpu.Format) (gpu.Pipeline, error) {
	if _, err := stageEntry(module, vertexEntry, gpu.StageVertex); err != nil {
		return nil, err
	}
	if _, err := stageEntry(module, fragmentEntry, gpu.StageFragment); err != nil {
		return nil, err
	}

	layout, err := LayoutFor(module.Reflection, gpu.StageVertex|gpu.StageFragment)
	if err != nil {
		return nil, errors.Wrapf(err, "layout of %s", module.Name)
	}

	shaderModule, err := b.ctx.Device.CreateShaderModule(module.Code)
	if err != nil {
		return nil, errors.Wrapf(err, "create shader module %s", module.Name)
	}
	defer shaderModule.Destroy()

	pipeline, err := b.ctx.Device.CreateGraphicsPipeline(gpu.GraphicsPipelineDesc{
		Vertex:      gpu.ShaderStageDesc{Module: shaderModule, Entry: vertexEntry, Stage: gpu.StageVertex},
		Fragment:    gpu.ShaderStageDesc{Module: shaderModule, Entry: fragmentEntry, Stage: gpu.StageFragment},
		ColorFormat: colorFormat,
		Topology:    gpu.TopologyTriangleStrip,
		Layout:      layout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create graphics pipeline %s/%s", vertexEntry, fragmentEntry)
	}

	b.log.Debug("Built graphics pipeline", "module", module.Name, "format", colorFormat.String())
	return pipeline, nil
}

// RayTracingEntries names the entry point of each ray tracing stage.
type RayTracingEntries struct {
	Generation string
	Miss       string
	ClosestHit string
}

// Shader group indices, which are also the binding table row order.
const (
	GroupGeneration = iota
	GroupMiss
	GroupHit
)

// RayTracing is a ray tracing pipeline and the binding table built from it.
type RayTracing struct {
	Pipeline gpu.Pipeline
	Table    *ShaderBindingTable
}

func (r *RayTracing) Destroy() {
	r.Table.Destroy()
	r.Pipeline.Destroy()
}

// BuildRayTracing builds a pipeline with one generation group, one miss group
// and one triangle hit group, then its shader binding table.
func (b *Builder) BuildRayTracing(module *shader.Module, entries RayTracingEntries) (*RayTracing, error) {
	rt, err := b.ctx.RayTracing()
	if err != nil {
		return nil, err
	}

	stages := []struct {
		entry string
		stage gpu.ShaderStage
	}{
		{entries.Generation, gpu.StageRayGeneration},
		{entries.Miss, gpu.StageMiss},
		{entries.ClosestHit, gpu.StageClosestHit},
	}
	for _, s := range stages {
		if _, err := stageEntry(module, s.entry, s.stage); err != nil {
			return nil, err
		}
	}

	layout, err := LayoutFor(module.Reflection, gpu.StageAllRayTracing)
	if err != nil {
		return nil, errors.Wrapf(err, "layout of %s", module.Name)
	}

	shaderModule, err := rt.CreateShaderModule(module.Code)
	if err != nil {
		return nil, errors.Wrapf(err, "create shader module %s", module.Name)
	}
	defer shaderModule.Destroy()

	desc := gpu.RayTracingPipelineDesc{
		Groups: []gpu.ShaderGroup{
			GroupGeneration: {Type: gpu.ShaderGroupGeneral, General: 0, ClosestHit: gpu.UnusedShader},
			GroupMiss:       {Type: gpu.ShaderGroupGeneral, General: 1, ClosestHit: gpu.UnusedShader},
			GroupHit:        {Type: gpu.ShaderGroupTrianglesHit, General: gpu.UnusedShader, ClosestHit: 2},
		},
		MaxRecursionDepth: 1,
		Layout:            layout,
	}
	for _, s := range stages {
		desc.Stages = append(desc.Stages, gpu.ShaderStageDesc{Module: shaderModule, Entry: s.entry, Stage: s.stage})
	}

	pipeline, err := rt.CreateRayTracingPipeline(desc)
	if err != nil {
		return nil, errors.Wrap(err, "create ray tracing pipeline")
	}

	table, err := NewShaderBindingTable(rt, pipeline, 1, 1)
	if err != nil {
		pipeline.Destroy()
		return nil, err
	}

	b.log.Debug("Built ray tracing pipeline",
		"module", module.Name,
		"generation", entries.Generation,
		"miss", entries.Miss,
		"closest_hit", entries.ClosestHit,
		"table_bytes", table.buffer.Size(),
	)
	return &RayTracing{Pipeline: pipeline, Table: table}, nil
}
