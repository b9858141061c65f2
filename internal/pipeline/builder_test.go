package pipeline

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/gpu/gputest"
	"github.com/vkngwrapper/raytracer/internal/shader"
)

var tile = gpu.Extent2D{Width: 10, Height: 10}

func newContext(t *testing.T, rayTracing bool) (*device.Context, *gputest.Device) {
	t.Helper()
	features := gpu.FeaturePresentation | gpu.FeatureStorageImageWrite |
		gpu.FeatureAccelerationStructure | gpu.FeatureRayTracingPipeline | gpu.FeatureBufferDeviceAddress
	instance := gputest.NewInstance(gputest.NewAdapter("dgpu", gpu.DeviceTypeDiscrete, features))
	ctx, err := device.Create(instance, gputest.NewSurface(800, 600), device.RequirementsFor(rayTracing), nil)
	require.NoError(t, err)
	return ctx, instance.Devices()[0]
}

func computeModule(localSize [3]int) *shader.Module {
	return &shader.Module{
		Name: "compute",
		Code: []uint32{0x07230203},
		Reflection: &shader.Reflection{
			EntryPoints: []shader.EntryPoint{{Name: "main_cs", Stage: gpu.StageCompute, LocalSize: localSize}},
			Resources:   []shader.Resource{{Name: "output", Set: 0, Binding: 0, Type: gpu.BindingStorageImage, Count: 1}},
		},
	}
}

func presentModule() *shader.Module {
	return &shader.Module{
		Name: "present",
		Code: []uint32{0x07230203},
		Reflection: &shader.Reflection{
			EntryPoints: []shader.EntryPoint{
				{Name: "vs_main", Stage: gpu.StageVertex},
				{Name: "fs_main", Stage: gpu.StageFragment},
			},
			Resources: []shader.Resource{
				{Set: 0, Binding: 0, Type: gpu.BindingSampledImage, Count: 1},
				{Set: 0, Binding: 1, Type: gpu.BindingSampler, Count: 1},
			},
		},
	}
}

func rayTracingModule() *shader.Module {
	return &shader.Module{
		Name: "raytrace",
		Code: []uint32{0x07230203},
		Reflection: &shader.Reflection{
			EntryPoints: []shader.EntryPoint{
				{Name: "generate_rays", Stage: gpu.StageRayGeneration},
				{Name: "ray_miss", Stage: gpu.StageMiss},
				{Name: "ray_hit", Stage: gpu.StageClosestHit},
			},
			Resources: []shader.Resource{
				{Set: 0, Binding: 0, Type: gpu.BindingAccelerationStructure, Count: 1},
				{Set: 0, Binding: 1, Type: gpu.BindingStorageImage, Count: 1},
			},
			PushConstantSize: 140,
		},
	}
}

func TestLayoutFor(t *testing.T) {
	reflection := &shader.Reflection{
		Resources: []shader.Resource{
			{Set: 1, Binding: 0, Type: gpu.BindingUniformBuffer, Count: 1},
			{Set: 0, Binding: 2, Type: gpu.BindingSampler, Count: 1},
			{Set: 0, Binding: 0, Type: gpu.BindingSampledImage, Count: 4},
		},
		PushConstantSize: 16,
	}

	layout, err := LayoutFor(reflection, gpu.StageFragment)
	require.NoError(t, err)
	require.Len(t, layout.Sets, 2)
	assert.Equal(t, 0, layout.Sets[0].Set)
	assert.Len(t, layout.Sets[0].Entries, 2)
	entry, ok := layout.Sets[0].Entry(0)
	require.True(t, ok)
	assert.Equal(t, 4, entry.Count)
	assert.Equal(t, gpu.StageFragment, entry.Stages)
	assert.Equal(t, gpu.PushConstantRange{Size: 16, Stages: gpu.StageFragment}, layout.PushConstants)

	reflection.Resources = append(reflection.Resources, shader.Resource{Set: 1, Binding: 0, Type: gpu.BindingStorageBuffer})
	_, err = LayoutFor(reflection, gpu.StageFragment)
	assert.Error(t, err)
}

func TestBuildCompute(t *testing.T) {
	ctx, dev := newContext(t, false)
	builder := NewBuilder(ctx, tile)

	pipeline, err := builder.BuildCompute(computeModule([3]int{10, 10, 1}), "main_cs")
	require.NoError(t, err)
	assert.Equal(t, gpu.PipelineCompute, pipeline.Kind())
	set, ok := pipeline.Layout().Set(0)
	require.True(t, ok)
	assert.Equal(t, gpu.BindingStorageImage, set.Entries[0].Type)
	assert.Zero(t, dev.Live()["shader-module"])

	pipeline.Destroy()
	assert.Empty(t, dev.Live())
	assert.Empty(t, dev.Violations)
}

func TestBuildComputeRejects(t *testing.T) {
	ctx, _ := newContext(t, false)
	builder := NewBuilder(ctx, tile)

	_, err := builder.BuildCompute(computeModule([3]int{8, 8, 1}), "main_cs")
	assert.ErrorContains(t, err, "tiling")

	_, err = builder.BuildCompute(computeModule([3]int{10, 10, 1}), "main")
	assert.Error(t, err)

	_, err = builder.BuildCompute(presentModule(), "vs_main")
	assert.ErrorContains(t, err, "vertex")
}

func TestBuildGraphics(t *testing.T) {
	ctx, dev := newContext(t, false)
	builder := NewBuilder(ctx, tile)

	pipeline, err := builder.BuildGraphics(presentModule(), "vs_main", "fs_main", gpu.FormatBGRA8SRGB)
	require.NoError(t, err)
	assert.Equal(t, gpu.PipelineGraphics, pipeline.Kind())

	desc := pipeline.(*gputest.Pipeline).Graphics
	assert.Equal(t, gpu.TopologyTriangleStrip, desc.Topology)
	assert.Equal(t, gpu.FormatBGRA8SRGB, desc.ColorFormat)
	assert.Len(t, desc.Layout.Sets[0].Entries, 2)

	_, err = builder.BuildGraphics(presentModule(), "fs_main", "vs_main", gpu.FormatBGRA8SRGB)
	assert.Error(t, err)
	assert.Empty(t, dev.Violations)
}

func TestBuildRayTracing(t *testing.T) {
	ctx, dev := newContext(t, true)
	builder := NewBuilder(ctx, tile)

	rt, err := builder.BuildRayTracing(rayTracingModule(), RayTracingEntries{
		Generation: "generate_rays",
		Miss:       "ray_miss",
		ClosestHit: "ray_hit",
	})
	require.NoError(t, err)

	desc := rt.Pipeline.(*gputest.Pipeline).RayTracing
	require.Len(t, desc.Groups, 3)
	assert.Equal(t, gpu.ShaderGroupGeneral, desc.Groups[GroupGeneration].Type)
	assert.Equal(t, gpu.ShaderGroupGeneral, desc.Groups[GroupMiss].Type)
	assert.Equal(t, gpu.ShaderGroupTrianglesHit, desc.Groups[GroupHit].Type)
	assert.Equal(t, gpu.StageMiss, desc.Stages[desc.Groups[GroupMiss].General].Stage)
	assert.Equal(t, gpu.PushConstantRange{Size: 140, Stages: gpu.StageAllRayTracing}, desc.Layout.PushConstants)

	regions := rt.Table.Regions
	assert.Zero(t, regions.RayGeneration.Address%64)
	assert.Equal(t, regions.RayGeneration.Address+64, regions.Miss.Address)
	assert.Equal(t, regions.Miss.Address+64, regions.Hit.Address)
	assert.Equal(t, 64, regions.RayGeneration.Stride)
	assert.Equal(t, 32, regions.Miss.Stride)

	rt.Destroy()
	assert.Empty(t, dev.Live())
}

func TestBuildRayTracingNeedsFeatures(t *testing.T) {
	ctx, _ := newContext(t, false)
	_, err := NewBuilder(ctx, tile).BuildRayTracing(rayTracingModule(), RayTracingEntries{
		Generation: "generate_rays",
		Miss:       "ray_miss",
		ClosestHit: "ray_hit",
	})
	assert.True(t, errors.Is(err, gpu.ErrUnsupported))
}

func TestLayoutTable(t *testing.T) {
	cases := []struct {
		name  string
		props gpu.RayTracingProperties
		miss  int
		hit   int
		want  TableLayout
	}{
		{
			name:  "handle smaller than base",
			props: gpu.RayTracingProperties{HandleSize: 32, HandleAlignment: 32, BaseAlignment: 64},
			miss:  1, hit: 1,
			want: TableLayout{
				HandleStride: 32,
				Generation:   gpu.StridedRegion{Stride: 64, Size: 64},
				Miss:         gpu.StridedRegion{Stride: 32, Size: 64},
				Hit:          gpu.StridedRegion{Stride: 32, Size: 64},
				MissOffset:   64,
				HitOffset:    128,
				Size:         192,
			},
		},
		{
			name:  "unaligned handle size",
			props: gpu.RayTracingProperties{HandleSize: 24, HandleAlignment: 16, BaseAlignment: 32},
			miss:  3, hit: 1,
			want: TableLayout{
				HandleStride: 32,
				Generation:   gpu.StridedRegion{Stride: 32, Size: 32},
				Miss:         gpu.StridedRegion{Stride: 32, Size: 96},
				Hit:          gpu.StridedRegion{Stride: 32, Size: 32},
				MissOffset:   32,
				HitOffset:    128,
				Size:         160,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LayoutTable(tc.props, tc.miss, tc.hit))
		})
	}
}
