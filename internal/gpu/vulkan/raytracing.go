package vulkan

/*
#include <stdlib.h>
#include <string.h>
#include <vulkan/vulkan.h>

typedef struct rtProcs {
	PFN_vkCreateAccelerationStructureKHR createStructure;
	PFN_vkDestroyAccelerationStructureKHR destroyStructure;
	PFN_vkGetAccelerationStructureBuildSizesKHR buildSizes;
	PFN_vkGetAccelerationStructureDeviceAddressKHR structureAddress;
	PFN_vkCmdBuildAccelerationStructuresKHR cmdBuild;
	PFN_vkCreateRayTracingPipelinesKHR createPipelines;
	PFN_vkGetRayTracingShaderGroupHandlesKHR groupHandles;
	PFN_vkCmdTraceRaysKHR cmdTraceRays;
	PFN_vkDestroyPipeline destroyPipeline;
	PFN_vkCmdBindPipeline cmdBindPipeline;
	PFN_vkCmdBindDescriptorSets cmdBindSets;
	PFN_vkCmdPushConstants cmdPushConstants;
	PFN_vkUpdateDescriptorSets updateSets;
} rtProcs;

static int loadProcs(void *gipaPtr, VkInstance instance, VkDevice device, rtProcs *p) {
	PFN_vkGetInstanceProcAddr gipa = (PFN_vkGetInstanceProcAddr)gipaPtr;
	PFN_vkGetDeviceProcAddr gdpa = (PFN_vkGetDeviceProcAddr)gipa(instance, "vkGetDeviceProcAddr");
	if (gdpa == NULL) {
		return 0;
	}
	p->createStructure = (PFN_vkCreateAccelerationStructureKHR)gdpa(device, "vkCreateAccelerationStructureKHR");
	p->destroyStructure = (PFN_vkDestroyAccelerationStructureKHR)gdpa(device, "vkDestroyAccelerationStructureKHR");
	p->buildSizes = (PFN_vkGetAccelerationStructureBuildSizesKHR)gdpa(device, "vkGetAccelerationStructureBuildSizesKHR");
	p->structureAddress = (PFN_vkGetAccelerationStructureDeviceAddressKHR)gdpa(device, "vkGetAccelerationStructureDeviceAddressKHR");
	p->cmdBuild = (PFN_vkCmdBuildAccelerationStructuresKHR)gdpa(device, "vkCmdBuildAccelerationStructuresKHR");
	p->createPipelines = (PFN_vkCreateRayTracingPipelinesKHR)gdpa(device, "vkCreateRayTracingPipelinesKHR");
	p->groupHandles = (PFN_vkGetRayTracingShaderGroupHandlesKHR)gdpa(device, "vkGetRayTracingShaderGroupHandlesKHR");
	p->cmdTraceRays = (PFN_vkCmdTraceRaysKHR)gdpa(device, "vkCmdTraceRaysKHR");
	p->destroyPipeline = (PFN_vkDestroyPipeline)gdpa(device, "vkDestroyPipeline");
	p->cmdBindPipeline = (PFN_vkCmdBindPipeline)gdpa(device, "vkCmdBindPipeline");
	p->cmdBindSets = (PFN_vkCmdBindDescriptorSets)gdpa(device, "vkCmdBindDescriptorSets");
	p->cmdPushConstants = (PFN_vkCmdPushConstants)gdpa(device, "vkCmdPushConstants");
	p->updateSets = (PFN_vkUpdateDescriptorSets)gdpa(device, "vkUpdateDescriptorSets");
	return p->createStructure && p->destroyStructure && p->buildSizes && p->structureAddress &&
		p->cmdBuild && p->createPipelines && p->groupHandles && p->cmdTraceRays &&
		p->destroyPipeline && p->cmdBindPipeline && p->cmdBindSets && p->cmdPushConstants && p->updateSets;
}

static void queryProperties(void *gipaPtr, VkInstance instance, VkPhysicalDevice physicalDevice,
		VkPhysicalDeviceRayTracingPipelinePropertiesKHR *rt) {
	PFN_vkGetInstanceProcAddr gipa = (PFN_vkGetInstanceProcAddr)gipaPtr;
	PFN_vkGetPhysicalDeviceProperties2 props2 = (PFN_vkGetPhysicalDeviceProperties2)gipa(instance, "vkGetPhysicalDeviceProperties2");
	VkPhysicalDeviceProperties2 props;
	memset(&props, 0, sizeof(props));
	props.sType = VK_STRUCTURE_TYPE_PHYSICAL_DEVICE_PROPERTIES_2;
	props.pNext = rt;
	rt->sType = VK_STRUCTURE_TYPE_PHYSICAL_DEVICE_RAY_TRACING_PIPELINE_PROPERTIES_KHR;
	rt->pNext = NULL;
	if (props2 != NULL) {
		props2(physicalDevice, &props);
	}
}

static VkResult createStructure(rtProcs *p, VkDevice device, VkAccelerationStructureCreateInfoKHR *info, VkAccelerationStructureKHR *out) {
	return p->createStructure(device, info, NULL, out);
}

static void destroyStructure(rtProcs *p, VkDevice device, VkAccelerationStructureKHR structure) {
	p->destroyStructure(device, structure, NULL);
}

static void buildSizes(rtProcs *p, VkDevice device, VkAccelerationStructureBuildGeometryInfoKHR *info, uint32_t primitives,
		VkAccelerationStructureBuildSizesInfoKHR *out) {
	p->buildSizes(device, VK_ACCELERATION_STRUCTURE_BUILD_TYPE_DEVICE_KHR, info, &primitives, out);
}

static VkDeviceAddress structureAddress(rtProcs *p, VkDevice device, VkAccelerationStructureKHR structure) {
	VkAccelerationStructureDeviceAddressInfoKHR info;
	memset(&info, 0, sizeof(info));
	info.sType = VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_DEVICE_ADDRESS_INFO_KHR;
	info.accelerationStructure = structure;
	return p->structureAddress(device, &info);
}

static void cmdBuild(rtProcs *p, VkCommandBuffer cb, VkAccelerationStructureBuildGeometryInfoKHR *info,
		VkAccelerationStructureBuildRangeInfoKHR *range) {
	const VkAccelerationStructureBuildRangeInfoKHR *ranges[1] = {range};
	p->cmdBuild(cb, 1, info, ranges);
}

static VkResult createPipeline(rtProcs *p, VkDevice device, VkRayTracingPipelineCreateInfoKHR *info, VkPipeline *out) {
	return p->createPipelines(device, VK_NULL_HANDLE, VK_NULL_HANDLE, 1, info, NULL, out);
}

static VkResult groupHandles(rtProcs *p, VkDevice device, VkPipeline pipeline, uint32_t first, uint32_t count, size_t size, void *out) {
	return p->groupHandles(device, pipeline, first, count, size, out);
}

static void destroyPipeline(rtProcs *p, VkDevice device, VkPipeline pipeline) {
	p->destroyPipeline(device, pipeline, NULL);
}

static void cmdTraceRays(rtProcs *p, VkCommandBuffer cb, VkStridedDeviceAddressRegionKHR *regions, uint32_t width, uint32_t height, uint32_t depth) {
	p->cmdTraceRays(cb, &regions[0], &regions[1], &regions[2], &regions[3], width, height, depth);
}

static void cmdBindPipeline(rtProcs *p, VkCommandBuffer cb, VkPipeline pipeline) {
	p->cmdBindPipeline(cb, VK_PIPELINE_BIND_POINT_RAY_TRACING_KHR, pipeline);
}

static void cmdBindSet(rtProcs *p, VkCommandBuffer cb, VkPipelineLayout layout, uint32_t set, VkDescriptorSet descriptorSet) {
	p->cmdBindSets(cb, VK_PIPELINE_BIND_POINT_RAY_TRACING_KHR, layout, set, 1, &descriptorSet, 0, NULL);
}

static void cmdPushConstants(rtProcs *p, VkCommandBuffer cb, VkPipelineLayout layout, VkShaderStageFlags stages, uint32_t size, void *data) {
	p->cmdPushConstants(cb, layout, stages, 0, size, data);
}

static void writeStructure(rtProcs *p, VkDevice device, VkDescriptorSet set, uint32_t binding, VkAccelerationStructureKHR *structure) {
	VkWriteDescriptorSetAccelerationStructureKHR structures;
	memset(&structures, 0, sizeof(structures));
	structures.sType = VK_STRUCTURE_TYPE_WRITE_DESCRIPTOR_SET_ACCELERATION_STRUCTURE_KHR;
	structures.accelerationStructureCount = 1;
	structures.pAccelerationStructures = structure;

	VkWriteDescriptorSet write;
	memset(&write, 0, sizeof(write));
	write.sType = VK_STRUCTURE_TYPE_WRITE_DESCRIPTOR_SET;
	write.pNext = &structures;
	write.dstSet = set;
	write.dstBinding = binding;
	write.descriptorCount = 1;
	write.descriptorType = VK_DESCRIPTOR_TYPE_ACCELERATION_STRUCTURE_KHR;
	p->updateSets(device, 1, &write, 0, NULL);
}
*/
import "C"

import (
	"unsafe"

	"github.com/CannibalVox/cgoparam"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

const (
	extensionAccelerationStructure = "VK_KHR_acceleration_structure"
	extensionRayTracingPipeline    = "VK_KHR_ray_tracing_pipeline"
	extensionBufferDeviceAddress   = "VK_KHR_buffer_device_address"
	extensionDeferredHostOps       = "VK_KHR_deferred_host_operations"
	extensionSPIRV14               = "VK_KHR_spirv_1_4"
	extensionShaderFloatControls   = "VK_KHR_shader_float_controls"
)

// rayTracingExtensions are enabled together when a device is opened for ray
// tracing.
var rayTracingExtensions = []string{
	extensionAccelerationStructure,
	extensionRayTracingPipeline,
	extensionDeferredHostOps,
	extensionSPIRV14,
	extensionShaderFloatControls,
}

// rawHandle reinterprets a wrapper handle as the pointer-sized Vulkan handle
// it holds.
func rawHandle[T any](handle T) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&handle))
}

func vkResult(res C.VkResult, op string) error {
	if res == C.VK_SUCCESS {
		return nil
	}
	return errors.Newf("%s: VkResult %d", op, int(res))
}

type rayTracing struct {
	procs  C.rtProcs
	device C.VkDevice
	props  gpu.RayTracingProperties
}

func loadRayTracing(procAddr unsafe.Pointer, instance, device, physicalDevice unsafe.Pointer) (*rayTracing, error) {
	rt := &rayTracing{device: C.VkDevice(device)}
	if C.loadProcs(procAddr, C.VkInstance(instance), rt.device, &rt.procs) == 0 {
		return nil, errors.Wrap(gpu.ErrUnsupported, "load ray tracing entry points")
	}
	rt.props = queryRayTracingProperties(procAddr, instance, physicalDevice)
	return rt, nil
}

func queryRayTracingProperties(procAddr unsafe.Pointer, instance, physicalDevice unsafe.Pointer) gpu.RayTracingProperties {
	var props C.VkPhysicalDeviceRayTracingPipelinePropertiesKHR
	C.queryProperties(procAddr, C.VkInstance(instance), C.VkPhysicalDevice(physicalDevice), &props)
	return gpu.RayTracingProperties{
		HandleSize:      int(props.shaderGroupHandleSize),
		HandleAlignment: int(props.shaderGroupHandleAlignment),
		BaseAlignment:   int(props.shaderGroupBaseAlignment),
		MaxRecursion:    int(props.maxRayRecursionDepth),
	}
}

// buildGeometry fills geometry and info for one build input. The returned
// primitive count is the build range.
func buildGeometry(allocator *cgoparam.Allocator, g gpu.AccelerationStructureGeometry) (*C.VkAccelerationStructureBuildGeometryInfoKHR, C.uint32_t, error) {
	geometry := (*C.VkAccelerationStructureGeometryKHR)(zeroed(allocator, nil, int(unsafe.Sizeof(C.VkAccelerationStructureGeometryKHR{}))))
	geometry.sType = C.VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_GEOMETRY_KHR

	info := (*C.VkAccelerationStructureBuildGeometryInfoKHR)(zeroed(allocator, nil, int(unsafe.Sizeof(C.VkAccelerationStructureBuildGeometryInfoKHR{}))))
	info.sType = C.VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_BUILD_GEOMETRY_INFO_KHR
	info.flags = C.VK_BUILD_ACCELERATION_STRUCTURE_PREFER_FAST_TRACE_BIT_KHR
	info.mode = C.VK_BUILD_ACCELERATION_STRUCTURE_MODE_BUILD_KHR
	info.geometryCount = 1
	info.pGeometries = geometry

	switch {
	case g.Level == gpu.BottomLevel && g.Triangles != nil:
		t := g.Triangles
		if t.VertexBuffer == nil {
			return nil, 0, errors.New("triangle geometry needs a vertex buffer")
		}
		info._type = C.VK_ACCELERATION_STRUCTURE_TYPE_BOTTOM_LEVEL_KHR
		geometry.geometryType = C.VK_GEOMETRY_TYPE_TRIANGLES_KHR
		if t.Opaque {
			geometry.flags = C.VK_GEOMETRY_OPAQUE_BIT_KHR
		}
		triangles := (*C.VkAccelerationStructureGeometryTrianglesDataKHR)(unsafe.Pointer(&geometry.geometry))
		triangles.sType = C.VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_GEOMETRY_TRIANGLES_DATA_KHR
		triangles.vertexFormat = C.VkFormat(toFormat(t.VertexFormat))
		*(*C.VkDeviceAddress)(unsafe.Pointer(&triangles.vertexData)) = C.VkDeviceAddress(t.VertexBuffer.DeviceAddress())
		triangles.vertexStride = C.VkDeviceSize(t.VertexStride)
		triangles.maxVertex = C.uint32_t(max(t.VertexCount-1, 0))
		triangles.indexType = C.VK_INDEX_TYPE_NONE_KHR
		if t.IndexBuffer != nil {
			triangles.indexType = C.VK_INDEX_TYPE_UINT32
			*(*C.VkDeviceAddress)(unsafe.Pointer(&triangles.indexData)) = C.VkDeviceAddress(t.IndexBuffer.DeviceAddress())
		}

	case g.Level == gpu.TopLevel && g.Instances != nil:
		if g.Instances.InstanceBuffer == nil {
			return nil, 0, errors.New("instance geometry needs an instance buffer")
		}
		info._type = C.VK_ACCELERATION_STRUCTURE_TYPE_TOP_LEVEL_KHR
		geometry.geometryType = C.VK_GEOMETRY_TYPE_INSTANCES_KHR
		instances := (*C.VkAccelerationStructureGeometryInstancesDataKHR)(unsafe.Pointer(&geometry.geometry))
		instances.sType = C.VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_GEOMETRY_INSTANCES_DATA_KHR
		instances.arrayOfPointers = C.VK_FALSE
		*(*C.VkDeviceAddress)(unsafe.Pointer(&instances.data)) = C.VkDeviceAddress(g.Instances.InstanceBuffer.DeviceAddress())

	default:
		return nil, 0, errors.Newf("%s geometry has no matching input", g.Level)
	}

	return info, C.uint32_t(g.PrimitiveCount()), nil
}

func (d *Device) RayTracingProperties() gpu.RayTracingProperties {
	if d.rt == nil {
		return gpu.RayTracingProperties{}
	}
	return d.rt.props
}

func (d *Device) AccelerationStructureBuildSizes(geometry gpu.AccelerationStructureGeometry) (gpu.BuildSizes, error) {
	if d.rt == nil {
		return gpu.BuildSizes{}, gpu.ErrUnsupported
	}

	allocator := cgoparam.GetAlloc()
	defer cgoparam.ReturnAlloc(allocator)

	info, primitives, err := buildGeometry(allocator, geometry)
	if err != nil {
		return gpu.BuildSizes{}, err
	}

	var sizes C.VkAccelerationStructureBuildSizesInfoKHR
	sizes.sType = C.VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_BUILD_SIZES_INFO_KHR
	C.buildSizes(&d.rt.procs, d.rt.device, info, primitives, &sizes)

	return gpu.BuildSizes{
		StructureSize: int(sizes.accelerationStructureSize),
		ScratchSize:   int(sizes.buildScratchSize),
	}, nil
}

type AccelerationStructure struct {
	device  *Device
	level   gpu.AccelerationStructureLevel
	handle  C.VkAccelerationStructureKHR
	address uint64
}

func (d *Device) CreateAccelerationStructure(level gpu.AccelerationStructureLevel, storage gpu.Buffer, size int) (gpu.AccelerationStructure, error) {
	if d.rt == nil {
		return nil, gpu.ErrUnsupported
	}
	buffer, ok := storage.(*Buffer)
	if !ok {
		return nil, errors.Newf("storage %T does not belong to this backend", storage)
	}

	var info C.VkAccelerationStructureCreateInfoKHR
	info.sType = C.VK_STRUCTURE_TYPE_ACCELERATION_STRUCTURE_CREATE_INFO_KHR
	info.buffer = C.VkBuffer(rawHandle(buffer.buffer.Handle()))
	info.size = C.VkDeviceSize(size)
	info._type = C.VK_ACCELERATION_STRUCTURE_TYPE_BOTTOM_LEVEL_KHR
	if level == gpu.TopLevel {
		info._type = C.VK_ACCELERATION_STRUCTURE_TYPE_TOP_LEVEL_KHR
	}

	structure := &AccelerationStructure{device: d, level: level}
	if err := vkResult(C.createStructure(&d.rt.procs, d.rt.device, &info, &structure.handle), "create acceleration structure"); err != nil {
		return nil, err
	}
	structure.address = uint64(C.structureAddress(&d.rt.procs, d.rt.device, structure.handle))
	return structure, nil
}

func (a *AccelerationStructure) Level() gpu.AccelerationStructureLevel { return a.level }
func (a *AccelerationStructure) DeviceAddress() uint64                 { return a.address }

func (a *AccelerationStructure) Destroy() {
	C.destroyStructure(&a.device.rt.procs, a.device.rt.device, a.handle)
}

func (d *Device) CreateRayTracingPipeline(desc gpu.RayTracingPipelineDesc) (gpu.Pipeline, error) {
	if d.rt == nil {
		return nil, gpu.ErrUnsupported
	}
	if desc.MaxRecursionDepth > d.rt.props.MaxRecursion {
		return nil, errors.Newf("recursion depth %d exceeds %d", desc.MaxRecursionDepth, d.rt.props.MaxRecursion)
	}

	layout, err := d.createLayout(desc.Layout)
	if err != nil {
		return nil, err
	}

	allocator := cgoparam.GetAlloc()
	defer cgoparam.ReturnAlloc(allocator)

	stages := unsafe.Slice(
		(*C.VkPipelineShaderStageCreateInfo)(zeroed(allocator, nil, len(desc.Stages)*int(unsafe.Sizeof(C.VkPipelineShaderStageCreateInfo{})))),
		len(desc.Stages))
	for i, stage := range desc.Stages {
		module, ok := stage.Module.(*ShaderModule)
		if !ok {
			layout.destroy(d)
			return nil, errors.Newf("%s stage module %T does not belong to this backend", stage.Stage, stage.Module)
		}
		stages[i].sType = C.VK_STRUCTURE_TYPE_PIPELINE_SHADER_STAGE_CREATE_INFO
		stages[i].stage = C.VkShaderStageFlagBits(toShaderStages(stage.Stage))
		stages[i].module = C.VkShaderModule(rawHandle(module.module.Handle()))
		stages[i].pName = (*C.char)(allocator.CString(stage.Entry))
	}

	groups := unsafe.Slice(
		(*C.VkRayTracingShaderGroupCreateInfoKHR)(zeroed(allocator, nil, len(desc.Groups)*int(unsafe.Sizeof(C.VkRayTracingShaderGroupCreateInfoKHR{})))),
		len(desc.Groups))
	for i, group := range desc.Groups {
		groups[i].sType = C.VK_STRUCTURE_TYPE_RAY_TRACING_SHADER_GROUP_CREATE_INFO_KHR
		groups[i].generalShader = C.VK_SHADER_UNUSED_KHR
		groups[i].closestHitShader = C.VK_SHADER_UNUSED_KHR
		groups[i].anyHitShader = C.VK_SHADER_UNUSED_KHR
		groups[i].intersectionShader = C.VK_SHADER_UNUSED_KHR
		switch group.Type {
		case gpu.ShaderGroupGeneral:
			groups[i]._type = C.VK_RAY_TRACING_SHADER_GROUP_TYPE_GENERAL_KHR
			groups[i].generalShader = C.uint32_t(group.General)
		case gpu.ShaderGroupTrianglesHit:
			groups[i]._type = C.VK_RAY_TRACING_SHADER_GROUP_TYPE_TRIANGLES_HIT_GROUP_KHR
			groups[i].closestHitShader = C.uint32_t(group.ClosestHit)
		}
	}

	info := (*C.VkRayTracingPipelineCreateInfoKHR)(zeroed(allocator, nil, int(unsafe.Sizeof(C.VkRayTracingPipelineCreateInfoKHR{}))))
	info.sType = C.VK_STRUCTURE_TYPE_RAY_TRACING_PIPELINE_CREATE_INFO_KHR
	info.stageCount = C.uint32_t(len(desc.Stages))
	info.pStages = &stages[0]
	info.groupCount = C.uint32_t(len(desc.Groups))
	info.pGroups = &groups[0]
	info.maxPipelineRayRecursionDepth = C.uint32_t(desc.MaxRecursionDepth)
	info.layout = C.VkPipelineLayout(rawHandle(layout.layout.Handle()))
	info.basePipelineIndex = -1

	pipeline := &Pipeline{device: d, kind: gpu.PipelineRayTracing, desc: desc.Layout, layout: layout, groups: len(desc.Groups)}
	if err := vkResult(C.createPipeline(&d.rt.procs, d.rt.device, info, (*C.VkPipeline)(unsafe.Pointer(&pipeline.raw))), "create ray tracing pipeline"); err != nil {
		layout.destroy(d)
		return nil, err
	}
	return pipeline, nil
}

func (d *Device) ShaderGroupHandles(pipeline gpu.Pipeline, firstGroup, groupCount int) ([]byte, error) {
	if d.rt == nil {
		return nil, gpu.ErrUnsupported
	}
	p, ok := pipeline.(*Pipeline)
	if !ok || p.kind != gpu.PipelineRayTracing {
		return nil, errors.Newf("%s pipeline has no shader groups", pipeline.Kind())
	}
	if firstGroup < 0 || firstGroup+groupCount > p.groups {
		return nil, errors.Newf("groups [%d, %d) out of range", firstGroup, firstGroup+groupCount)
	}

	size := groupCount * d.rt.props.HandleSize
	if size == 0 {
		return nil, nil
	}

	allocator := cgoparam.GetAlloc()
	defer cgoparam.ReturnAlloc(allocator)

	out := allocator.Malloc(size)
	res := C.groupHandles(&d.rt.procs, d.rt.device, C.VkPipeline(p.raw), C.uint32_t(firstGroup), C.uint32_t(groupCount), C.size_t(size), out)
	if err := vkResult(res, "get shader group handles"); err != nil {
		return nil, err
	}
	return C.GoBytes(out, C.int(size)), nil
}

func (p *Pipeline) destroyRayTracing() {
	C.destroyPipeline(&p.device.rt.procs, p.device.rt.device, C.VkPipeline(p.raw))
}

func (d *Device) writeStructure(set *BindSet, binding int, structure *AccelerationStructure) {
	handle := structure.handle
	C.writeStructure(&d.rt.procs, d.rt.device, C.VkDescriptorSet(rawHandle(set.set.Handle())), C.uint32_t(binding), &handle)
}

func (c *CommandBuffer) rawBuffer() C.VkCommandBuffer {
	return C.VkCommandBuffer(rawHandle(c.buffer.Handle()))
}

func (c *CommandBuffer) bindRayTracing(p *Pipeline) {
	C.cmdBindPipeline(&c.device.rt.procs, c.rawBuffer(), C.VkPipeline(p.raw))
}

func (c *CommandBuffer) bindRayTracingSet(p *Pipeline, set int, bindSet *BindSet) {
	C.cmdBindSet(&c.device.rt.procs, c.rawBuffer(), C.VkPipelineLayout(rawHandle(p.layout.layout.Handle())),
		C.uint32_t(set), C.VkDescriptorSet(rawHandle(bindSet.set.Handle())))
}

func (c *CommandBuffer) pushRayTracing(p *Pipeline, data []byte) {
	allocator := cgoparam.GetAlloc()
	defer cgoparam.ReturnAlloc(allocator)

	ptr := allocator.Malloc(len(data))
	copy(unsafe.Slice((*byte)(ptr), len(data)), data)
	stages := C.VkShaderStageFlags(toShaderStages(p.desc.PushConstants.Stages))
	C.cmdPushConstants(&c.device.rt.procs, c.rawBuffer(), C.VkPipelineLayout(rawHandle(p.layout.layout.Handle())), stages, C.uint32_t(len(data)), ptr)
}

func (c *CommandBuffer) TraceRays(regions gpu.ShaderBindingRegions, width, height, depth int) {
	if c.device.rt == nil {
		c.fail(gpu.ErrUnsupported)
		return
	}
	var native [4]C.VkStridedDeviceAddressRegionKHR
	for i, region := range []gpu.StridedRegion{regions.RayGeneration, regions.Miss, regions.Hit, regions.Callable} {
		native[i].deviceAddress = C.VkDeviceAddress(region.Address)
		native[i].stride = C.VkDeviceSize(region.Stride)
		native[i].size = C.VkDeviceSize(region.Size)
	}
	C.cmdTraceRays(&c.device.rt.procs, c.rawBuffer(), &native[0], C.uint32_t(width), C.uint32_t(height), C.uint32_t(depth))
}

func (c *CommandBuffer) BuildAccelerationStructure(build gpu.AccelerationStructureBuild) {
	if c.device.rt == nil {
		c.fail(gpu.ErrUnsupported)
		return
	}
	destination, ok := build.Destination.(*AccelerationStructure)
	if !ok || build.Scratch == nil {
		c.fail(errors.New("acceleration structure build needs a destination and scratch"))
		return
	}

	allocator := cgoparam.GetAlloc()
	defer cgoparam.ReturnAlloc(allocator)

	info, primitives, err := buildGeometry(allocator, build.Geometry)
	if err != nil {
		c.fail(err)
		return
	}
	info.dstAccelerationStructure = destination.handle
	*(*C.VkDeviceAddress)(unsafe.Pointer(&info.scratchData)) = C.VkDeviceAddress(build.Scratch.DeviceAddress())

	rangeInfo := (*C.VkAccelerationStructureBuildRangeInfoKHR)(zeroed(allocator, nil, int(unsafe.Sizeof(C.VkAccelerationStructureBuildRangeInfoKHR{}))))
	rangeInfo.primitiveCount = primitives
	C.cmdBuild(&c.device.rt.procs, c.rawBuffer(), info, rangeInfo)
}

// AccelerationStructureBarrier orders structure builds before later builds and
// traces.
func (c *CommandBuffer) AccelerationStructureBarrier() {
	err := c.device.driver.CmdPipelineBarrier(c.buffer,
		pipelineStageStructureBuild,
		pipelineStageStructureBuild|pipelineStageRayTracingShader,
		0,
		[]core1_0.MemoryBarrier{{SrcAccessMask: accessStructureWrite, DstAccessMask: accessStructureRead}},
		nil, nil)
	if err != nil {
		c.fail(err)
	}
}
