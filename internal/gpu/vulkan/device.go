package vulkan

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/core/v3/core1_2"
	"github.com/vkngwrapper/extensions/v3/khr_buffer_device_address"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

var _ gpu.RayTracingDevice = (*Device)(nil)

type Device struct {
	log     *slog.Logger
	adapter *Adapter

	driver             core1_0.CoreDeviceDriver
	swapchainExtension khr_swapchain.ExtensionDriver
	bufferAddress      khr_buffer_device_address.ExtensionDriver
	rt                 *rayTracing

	queue *Queue
	pool  core1_0.CommandPool

	// shaderStages is where storage images are read and written.
	shaderStages core1_0.PipelineStageFlags
}

func (i *Instance) CreateDevice(desc gpu.DeviceDesc) (gpu.Device, error) {
	adapter, ok := desc.Adapter.(*Adapter)
	if !ok {
		return nil, errors.Newf("adapter %T does not belong to this backend", desc.Adapter)
	}
	if missing := desc.Features &^ adapter.features; missing != 0 {
		return nil, errors.Wrapf(gpu.ErrUnsupported, "%s lacks %s", adapter.Name(), missing)
	}

	rayTracing := desc.Features&(gpu.FeatureAccelerationStructure|gpu.FeatureRayTracingPipeline) != 0
	bufferAddress := rayTracing || desc.Features.Has(gpu.FeatureBufferDeviceAddress)

	info := core1_0.DeviceCreateInfo{
		QueueCreateInfos: []core1_0.DeviceQueueCreateInfo{
			{
				QueueFamilyIndex: desc.QueueFamily,
				QueuePriorities:  []float32{1.0},
			},
		},
		EnabledFeatures:       &core1_0.PhysicalDeviceFeatures{},
		EnabledExtensionNames: adapter.deviceExtensions(desc.Features),
	}
	info.Next = featureChain(bufferAddress, rayTracing)

	driver, _, err := i.instanceDriver.CreateDevice(adapter.physicalDevice, nil, info)
	if err != nil {
		return nil, errors.Wrapf(err, "create device on %s", adapter.Name())
	}

	d := &Device{
		log:                i.log.With("device", adapter.Name()),
		adapter:            adapter,
		driver:             driver,
		swapchainExtension: khr_swapchain.CreateExtensionDriverFromCoreDriver(driver),
		shaderStages:       core1_0.PipelineStageComputeShader,
	}
	d.queue = &Queue{device: d, queue: driver.GetQueue(desc.QueueFamily, 0), family: desc.QueueFamily}

	if bufferAddress {
		if driver12, ok := driver.(core1_2.DeviceDriver); ok {
			d.bufferAddress = driver12
		} else {
			d.bufferAddress = khr_buffer_device_address.CreateExtensionDriverFromCoreDriver(driver)
		}
	}

	if rayTracing {
		d.rt, err = loadRayTracing(i.procAddr,
			rawHandle(i.instanceDriver.Instance().Handle()),
			rawHandle(driver.Device().Handle()),
			rawHandle(adapter.physicalDevice.Handle()))
		if err != nil {
			driver.DestroyDevice(nil)
			return nil, err
		}
		d.shaderStages |= pipelineStageRayTracingShader
	}

	d.pool, _, err = driver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: desc.QueueFamily,
	})
	if err != nil {
		driver.DestroyDevice(nil)
		return nil, errors.Wrap(err, "create command pool")
	}

	d.log.Info("Device created", "family", desc.QueueFamily, "features", desc.Features.String())
	return d, nil
}

func (d *Device) Queue() gpu.Queue { return d.queue }

func (d *Device) WaitIdle() error {
	_, err := d.driver.DeviceWaitIdle()
	return errors.Wrap(err, "wait for device idle")
}

func (d *Device) Destroy() {
	d.driver.DestroyCommandPool(d.pool, nil)
	d.driver.DestroyDevice(nil)
}

func (d *Device) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	memProperties := d.adapter.instance.instanceDriver.GetPhysicalDeviceMemoryProperties(d.adapter.physicalDevice)
	for i, memoryType := range memProperties.MemoryTypes {
		typeBit := uint32(1 << i)
		if typeFilter&typeBit != 0 && memoryType.PropertyFlags&properties == properties {
			return i, nil
		}
	}
	return 0, errors.Newf("no memory type matches filter %#x with properties %v", typeFilter, properties)
}

func toTimeout(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return common.NoTimeout
	}
	return timeout
}

type Queue struct {
	device *Device
	queue  core1_0.Queue
	family int
}

func (q *Queue) Family() int { return q.family }

func (q *Queue) Submit(info gpu.SubmitInfo) error {
	if len(info.Wait) != len(info.WaitStages) {
		return errors.Newf("%d wait semaphores but %d wait stages", len(info.Wait), len(info.WaitStages))
	}

	submit := core1_0.SubmitInfo{}
	for i, wait := range info.Wait {
		submit.WaitSemaphores = append(submit.WaitSemaphores, wait.(*Semaphore).semaphore)
		submit.WaitDstStageMask = append(submit.WaitDstStageMask, toPipelineStage(info.WaitStages[i]))
	}
	for _, command := range info.Commands {
		submit.CommandBuffers = append(submit.CommandBuffers, command.(*CommandBuffer).buffer)
	}
	for _, signal := range info.Signal {
		submit.SignalSemaphores = append(submit.SignalSemaphores, signal.(*Semaphore).semaphore)
	}

	var fence *core1_0.Fence
	if info.Fence != nil {
		fence = &info.Fence.(*Fence).fence
	}
	_, err := q.device.driver.QueueSubmit(q.queue, fence, submit)
	return errors.Wrap(err, "submit")
}

func (q *Queue) Present(info gpu.PresentInfo) error {
	swapchain, ok := info.Swapchain.(*Swapchain)
	if !ok {
		return errors.Newf("swapchain %T does not belong to this backend", info.Swapchain)
	}

	present := khr_swapchain.PresentInfo{
		Swapchains:   []khr_swapchain.Swapchain{swapchain.swapchain},
		ImageIndices: []int{info.ImageIndex},
	}
	for _, wait := range info.Wait {
		present.WaitSemaphores = append(present.WaitSemaphores, wait.(*Semaphore).semaphore)
	}

	res, err := q.device.swapchainExtension.QueuePresent(q.queue, present)
	return swapchainResult(res, err, "present")
}

func (q *Queue) WaitIdle() error {
	_, err := q.device.driver.QueueWaitIdle(q.queue)
	return errors.Wrap(err, "wait for queue idle")
}

// swapchainResult maps the recoverable acquire and present outcomes onto the
// gpu sentinel errors.
func swapchainResult(res common.VkResult, err error, op string) error {
	switch res {
	case khr_swapchain.VKErrorOutOfDate:
		return gpu.ErrOutOfDate
	case khr_surface.VKErrorSurfaceLost:
		return gpu.ErrSurfaceLost
	case khr_swapchain.VKSuboptimal:
		return gpu.ErrSuboptimal
	}
	return errors.Wrap(err, op)
}
