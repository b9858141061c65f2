package vulkan

/*
#include <stdlib.h>
#include <string.h>
#include <vulkan/vulkan.h>
*/
import "C"

import (
	"unsafe"

	"github.com/CannibalVox/cgoparam"
	"github.com/vkngwrapper/core/v3/common"
)

// The structures below extend create infos through their Next chains with
// features the wrapper has no option types for.

func zeroed(allocator *cgoparam.Allocator, preallocated unsafe.Pointer, size int) unsafe.Pointer {
	if preallocated == nil {
		preallocated = allocator.Malloc(size)
	}
	C.memset(preallocated, 0, C.size_t(size))
	return preallocated
}

func vkBool(b bool) C.VkBool32 {
	if b {
		return C.VK_TRUE
	}
	return C.VK_FALSE
}

type bufferDeviceAddressFeatures struct {
	common.NextOptions
}

func (o bufferDeviceAddressFeatures) PopulateCPointer(allocator *cgoparam.Allocator, preallocatedPointer unsafe.Pointer, next unsafe.Pointer) (unsafe.Pointer, error) {
	ptr := zeroed(allocator, preallocatedPointer, int(unsafe.Sizeof(C.VkPhysicalDeviceBufferDeviceAddressFeatures{})))
	info := (*C.VkPhysicalDeviceBufferDeviceAddressFeatures)(ptr)
	info.sType = C.VK_STRUCTURE_TYPE_PHYSICAL_DEVICE_BUFFER_DEVICE_ADDRESS_FEATURES
	info.pNext = next
	info.bufferDeviceAddress = vkBool(true)
	return ptr, nil
}

type accelerationStructureFeatures struct {
	common.NextOptions
}

func (o accelerationStructureFeatures) PopulateCPointer(allocator *cgoparam.Allocator, preallocatedPointer unsafe.Pointer, next unsafe.Pointer) (unsafe.Pointer, error) {
	ptr := zeroed(allocator, preallocatedPointer, int(unsafe.Sizeof(C.VkPhysicalDeviceAccelerationStructureFeaturesKHR{})))
	info := (*C.VkPhysicalDeviceAccelerationStructureFeaturesKHR)(ptr)
	info.sType = C.VK_STRUCTURE_TYPE_PHYSICAL_DEVICE_ACCELERATION_STRUCTURE_FEATURES_KHR
	info.pNext = next
	info.accelerationStructure = vkBool(true)
	return ptr, nil
}

type rayTracingPipelineFeatures struct {
	common.NextOptions
}

func (o rayTracingPipelineFeatures) PopulateCPointer(allocator *cgoparam.Allocator, preallocatedPointer unsafe.Pointer, next unsafe.Pointer) (unsafe.Pointer, error) {
	ptr := zeroed(allocator, preallocatedPointer, int(unsafe.Sizeof(C.VkPhysicalDeviceRayTracingPipelineFeaturesKHR{})))
	info := (*C.VkPhysicalDeviceRayTracingPipelineFeaturesKHR)(ptr)
	info.sType = C.VK_STRUCTURE_TYPE_PHYSICAL_DEVICE_RAY_TRACING_PIPELINE_FEATURES_KHR
	info.pNext = next
	info.rayTracingPipeline = vkBool(true)
	return ptr, nil
}

// deviceAddressAllocation marks a memory allocation as backing buffers whose
// device address is queried.
type deviceAddressAllocation struct {
	common.NextOptions
}

func (o deviceAddressAllocation) PopulateCPointer(allocator *cgoparam.Allocator, preallocatedPointer unsafe.Pointer, next unsafe.Pointer) (unsafe.Pointer, error) {
	ptr := zeroed(allocator, preallocatedPointer, int(unsafe.Sizeof(C.VkMemoryAllocateFlagsInfo{})))
	info := (*C.VkMemoryAllocateFlagsInfo)(ptr)
	info.sType = C.VK_STRUCTURE_TYPE_MEMORY_ALLOCATE_FLAGS_INFO
	info.pNext = next
	info.flags = C.VK_MEMORY_ALLOCATE_DEVICE_ADDRESS_BIT
	return ptr, nil
}

// featureChain links the extension feature structures for the requested
// features, outermost first.
func featureChain(bufferAddress, rayTracing bool) common.Options {
	var chain common.Options
	if rayTracing {
		chain = rayTracingPipelineFeatures{}
		chain = accelerationStructureFeatures{NextOptions: common.NextOptions{Next: chain}}
	}
	if bufferAddress {
		chain = bufferDeviceAddressFeatures{NextOptions: common.NextOptions{Next: chain}}
	}
	return chain
}
