package vulkan

import (
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/core/v3/core1_2"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// Enum values from VK_KHR_acceleration_structure and VK_KHR_ray_tracing_pipeline,
// which the wrapper does not cover.
const (
	pipelineBindPointRayTracing core1_0.PipelineBindPoint = 1000165000
	descriptorTypeAcceleration  core1_0.DescriptorType    = 1000150000

	stageRayGeneration core1_0.ShaderStageFlags = 0x00000100
	stageClosestHit    core1_0.ShaderStageFlags = 0x00000400
	stageMiss          core1_0.ShaderStageFlags = 0x00000800

	bufferUsageShaderBindingTable  core1_0.BufferUsageFlags = 0x00000400
	bufferUsageStructureBuildInput core1_0.BufferUsageFlags = 0x00080000
	bufferUsageStructureStorage    core1_0.BufferUsageFlags = 0x00100000

	pipelineStageRayTracingShader core1_0.PipelineStageFlags = 0x00200000
	pipelineStageStructureBuild   core1_0.PipelineStageFlags = 0x02000000

	accessStructureRead  core1_0.AccessFlags = 0x00200000
	accessStructureWrite core1_0.AccessFlags = 0x00400000
)

var formats = map[gpu.Format]core1_0.Format{
	gpu.FormatRGBA8Unorm: core1_0.FormatR8G8B8A8UnsignedNormalized,
	gpu.FormatRGBA8SRGB:  core1_0.FormatR8G8B8A8SRGB,
	gpu.FormatBGRA8Unorm: core1_0.FormatB8G8R8A8UnsignedNormalized,
	gpu.FormatBGRA8SRGB:  core1_0.FormatB8G8R8A8SRGB,
	gpu.FormatRGB32Float: core1_0.FormatR32G32B32SignedFloat,
}

func toFormat(f gpu.Format) core1_0.Format {
	if format, ok := formats[f]; ok {
		return format
	}
	return core1_0.FormatUndefined
}

func fromFormat(f core1_0.Format) gpu.Format {
	for format, native := range formats {
		if native == f {
			return format
		}
	}
	return gpu.FormatUndefined
}

func toColorSpace(gpu.ColorSpace) khr_surface.ColorSpace {
	return khr_surface.ColorSpaceSRGBNonlinear
}

var presentModes = map[gpu.PresentMode]khr_surface.PresentMode{
	gpu.PresentModeFIFO:      khr_surface.PresentModeFIFO,
	gpu.PresentModeMailbox:   khr_surface.PresentModeMailbox,
	gpu.PresentModeImmediate: khr_surface.PresentModeImmediate,
}

func fromPresentModes(modes []khr_surface.PresentMode) []gpu.PresentMode {
	var out []gpu.PresentMode
	for _, mode := range modes {
		for portable, native := range presentModes {
			if native == mode {
				out = append(out, portable)
			}
		}
	}
	return out
}

func fromDeviceType(t core1_0.PhysicalDeviceType) gpu.DeviceType {
	switch t {
	case core1_0.PhysicalDeviceTypeDiscreteGPU:
		return gpu.DeviceTypeDiscrete
	case core1_0.PhysicalDeviceTypeIntegratedGPU:
		return gpu.DeviceTypeIntegrated
	case core1_0.PhysicalDeviceTypeVirtualGPU:
		return gpu.DeviceTypeVirtual
	case core1_0.PhysicalDeviceTypeCPU:
		return gpu.DeviceTypeCPU
	}
	return gpu.DeviceTypeOther
}

func fromQueueFlags(flags core1_0.QueueFlags) gpu.QueueFlags {
	var out gpu.QueueFlags
	if flags&core1_0.QueueGraphics != 0 {
		out |= gpu.QueueGraphics
	}
	if flags&core1_0.QueueCompute != 0 {
		out |= gpu.QueueCompute
	}
	if flags&core1_0.QueueTransfer != 0 {
		out |= gpu.QueueTransfer
	}
	return out
}

var imageUsages = []struct {
	usage  gpu.ImageUsage
	native core1_0.ImageUsageFlags
}{
	{gpu.ImageUsageStorage, core1_0.ImageUsageStorage},
	{gpu.ImageUsageSampled, core1_0.ImageUsageSampled},
	{gpu.ImageUsageTransferSrc, core1_0.ImageUsageTransferSrc},
	{gpu.ImageUsageTransferDst, core1_0.ImageUsageTransferDst},
	{gpu.ImageUsageColorAttachment, core1_0.ImageUsageColorAttachment},
}

func toImageUsage(usage gpu.ImageUsage) core1_0.ImageUsageFlags {
	var out core1_0.ImageUsageFlags
	for _, entry := range imageUsages {
		if usage&entry.usage != 0 {
			out |= entry.native
		}
	}
	return out
}

func fromImageUsage(flags core1_0.ImageUsageFlags) gpu.ImageUsage {
	var out gpu.ImageUsage
	for _, entry := range imageUsages {
		if flags&entry.native != 0 {
			out |= entry.usage
		}
	}
	return out
}

func toBufferUsage(usage gpu.BufferUsage) core1_0.BufferUsageFlags {
	var out core1_0.BufferUsageFlags
	if usage&gpu.BufferUsageTransferSrc != 0 {
		out |= core1_0.BufferUsageTransferSrc
	}
	if usage&gpu.BufferUsageTransferDst != 0 {
		out |= core1_0.BufferUsageTransferDst
	}
	if usage&gpu.BufferUsageStorage != 0 {
		out |= core1_0.BufferUsageStorageBuffer
	}
	if usage&gpu.BufferUsageDeviceAddress != 0 {
		out |= core1_2.BufferUsageShaderDeviceAddress
	}
	if usage&gpu.BufferUsageAccelerationStructureInput != 0 {
		out |= bufferUsageStructureBuildInput
	}
	if usage&gpu.BufferUsageAccelerationStructureStorage != 0 {
		out |= bufferUsageStructureStorage
	}
	if usage&gpu.BufferUsageShaderBindingTable != 0 {
		out |= bufferUsageShaderBindingTable
	}
	return out
}

func toShaderStages(stages gpu.ShaderStage) core1_0.ShaderStageFlags {
	var out core1_0.ShaderStageFlags
	if stages&gpu.StageVertex != 0 {
		out |= core1_0.StageVertex
	}
	if stages&gpu.StageFragment != 0 {
		out |= core1_0.StageFragment
	}
	if stages&gpu.StageCompute != 0 {
		out |= core1_0.StageCompute
	}
	if stages&gpu.StageRayGeneration != 0 {
		out |= stageRayGeneration
	}
	if stages&gpu.StageMiss != 0 {
		out |= stageMiss
	}
	if stages&gpu.StageClosestHit != 0 {
		out |= stageClosestHit
	}
	return out
}

func toPipelineStage(stage gpu.PipelineStage) core1_0.PipelineStageFlags {
	var out core1_0.PipelineStageFlags
	if stage&gpu.PipelineStageTopOfPipe != 0 {
		out |= core1_0.PipelineStageTopOfPipe
	}
	if stage&gpu.PipelineStageTransfer != 0 {
		out |= core1_0.PipelineStageTransfer
	}
	if stage&gpu.PipelineStageComputeShader != 0 {
		out |= core1_0.PipelineStageComputeShader
	}
	if stage&gpu.PipelineStageRayTracingShader != 0 {
		out |= pipelineStageRayTracingShader
	}
	if stage&gpu.PipelineStageColorAttachmentOutput != 0 {
		out |= core1_0.PipelineStageColorAttachmentOutput
	}
	if stage&gpu.PipelineStageAllCommands != 0 {
		out |= core1_0.PipelineStageAllCommands
	}
	return out
}

func toDescriptorType(t gpu.BindingType) core1_0.DescriptorType {
	switch t {
	case gpu.BindingStorageImage:
		return core1_0.DescriptorTypeStorageImage
	case gpu.BindingSampledImage:
		return core1_0.DescriptorTypeSampledImage
	case gpu.BindingSampler:
		return core1_0.DescriptorTypeSampler
	case gpu.BindingCombinedImageSampler:
		return core1_0.DescriptorTypeCombinedImageSampler
	case gpu.BindingUniformBuffer:
		return core1_0.DescriptorTypeUniformBuffer
	case gpu.BindingStorageBuffer:
		return core1_0.DescriptorTypeStorageBuffer
	}
	return descriptorTypeAcceleration
}

func toLayout(layout gpu.ImageLayout) core1_0.ImageLayout {
	switch layout {
	case gpu.LayoutGeneral:
		return core1_0.ImageLayoutGeneral
	case gpu.LayoutTransferSrc:
		return core1_0.ImageLayoutTransferSrcOptimal
	case gpu.LayoutTransferDst:
		return core1_0.ImageLayoutTransferDstOptimal
	case gpu.LayoutShaderReadOnly:
		return core1_0.ImageLayoutShaderReadOnlyOptimal
	case gpu.LayoutColorAttachment:
		return core1_0.ImageLayoutColorAttachmentOptimal
	case gpu.LayoutPresentSrc:
		return khr_swapchain.ImageLayoutPresentSrc
	}
	return core1_0.ImageLayoutUndefined
}

// layoutScope is the access and stage that touch an image while it sits in a
// layout. shaderStages is where storage images are written on this device.
func layoutScope(layout gpu.ImageLayout, shaderStages core1_0.PipelineStageFlags) (core1_0.AccessFlags, core1_0.PipelineStageFlags) {
	switch layout {
	case gpu.LayoutGeneral:
		return core1_0.AccessShaderRead | core1_0.AccessShaderWrite, shaderStages
	case gpu.LayoutTransferSrc:
		return core1_0.AccessTransferRead, core1_0.PipelineStageTransfer
	case gpu.LayoutTransferDst:
		return core1_0.AccessTransferWrite, core1_0.PipelineStageTransfer
	case gpu.LayoutShaderReadOnly:
		return core1_0.AccessShaderRead, core1_0.PipelineStageFragmentShader
	case gpu.LayoutColorAttachment:
		return core1_0.AccessColorAttachmentWrite, core1_0.PipelineStageColorAttachmentOutput
	case gpu.LayoutPresentSrc:
		return 0, core1_0.PipelineStageBottomOfPipe
	}
	return 0, core1_0.PipelineStageTopOfPipe
}
