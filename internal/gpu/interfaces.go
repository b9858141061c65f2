package gpu

import "time"

// NoTimeout makes a wait block until its object signals.
const NoTimeout time.Duration = -1

// Instance is the entry point of a backend: it enumerates adapters and opens
// logical devices on them.
type Instance interface {
	Adapters() ([]Adapter, error)
	CreateDevice(desc DeviceDesc) (Device, error)
	Destroy()
}

// Adapter is a physical GPU as reported by the backend.
type Adapter interface {
	Name() string
	Type() DeviceType
	Features() Feature
	QueueFamilies() []QueueFamily
	SupportsPresent(queueFamily int, surface Surface) (bool, error)
	SurfaceSupport(surface Surface) (SurfaceSupport, error)
}

// Surface is the window-system target a swapchain presents to.
type Surface interface {
	Destroy()
}

// Device is a logical GPU context. Every object it creates must be destroyed
// before the device itself.
type Device interface {
	Queue() Queue

	CreateSwapchain(surface Surface, config SwapchainConfig, old Swapchain) (Swapchain, error)
	CreateImage(desc ImageDesc) (Image, error)
	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateSampler() (Sampler, error)
	CreateShaderModule(code []uint32) (ShaderModule, error)
	CreateComputePipeline(desc ComputePipelineDesc) (Pipeline, error)
	CreateGraphicsPipeline(desc GraphicsPipelineDesc) (Pipeline, error)
	CreateFramebuffer(pipeline Pipeline, view ImageView) (Framebuffer, error)
	CreateBindSet(pipeline Pipeline, set int, bindings []Binding) (BindSet, error)
	CreateSemaphore() (Semaphore, error)
	CreateFence(signaled bool) (Fence, error)
	CreateCommandBuffer() (CommandBuffer, error)

	WaitIdle() error
	Destroy()
}

// RayTracingDevice is implemented by devices opened with the acceleration
// structure and ray tracing pipeline features.
type RayTracingDevice interface {
	Device

	RayTracingProperties() RayTracingProperties
	AccelerationStructureBuildSizes(geometry AccelerationStructureGeometry) (BuildSizes, error)
	CreateAccelerationStructure(level AccelerationStructureLevel, storage Buffer, size int) (AccelerationStructure, error)
	CreateRayTracingPipeline(desc RayTracingPipelineDesc) (Pipeline, error)
	ShaderGroupHandles(pipeline Pipeline, firstGroup, groupCount int) ([]byte, error)
}

type Queue interface {
	Family() int
	Submit(info SubmitInfo) error
	// Present returns ErrOutOfDate, ErrSurfaceLost or ErrSuboptimal for the
	// recoverable outcomes.
	Present(info PresentInfo) error
	WaitIdle() error
}

type Swapchain interface {
	Images() []Image
	Extent() Extent2D
	Format() Format
	// AcquireNextImage signals semaphore once the returned image may be
	// written. It returns ErrOutOfDate or ErrSurfaceLost when the swapchain no
	// longer matches its surface, and the index together with ErrSuboptimal
	// when the image is usable but the swapchain should be rebuilt.
	AcquireNextImage(semaphore Semaphore, timeout time.Duration) (int, error)
	Destroy()
}

type Image interface {
	Extent() Extent2D
	Format() Format
	View() ImageView
	Destroy()
}

type ImageView interface {
	Extent() Extent2D
	Format() Format
}

type Buffer interface {
	Size() int
	DeviceAddress() uint64
	Write(offset int, data []byte) error
	Destroy()
}

type Sampler interface {
	Destroy()
}

type ShaderModule interface {
	Destroy()
}

type Pipeline interface {
	Kind() PipelineKind
	Layout() PipelineLayout
	Destroy()
}

type Framebuffer interface {
	Extent() Extent2D
	Destroy()
}

type BindSet interface {
	Bindings() []Binding
	Destroy()
}

type AccelerationStructure interface {
	Level() AccelerationStructureLevel
	DeviceAddress() uint64
	Destroy()
}

type Semaphore interface {
	Destroy()
}

type Fence interface {
	Wait(timeout time.Duration) error
	Reset() error
	Signaled() (bool, error)
	Destroy()
}

// CommandBuffer records a command sequence. Recording methods do not return
// errors; the first failure is kept and reported by End.
type CommandBuffer interface {
	Begin() error
	End() error

	TransitionImage(image Image, from, to ImageLayout)
	BindPipeline(pipeline Pipeline)
	BindSet(pipeline Pipeline, set int, bindSet BindSet)
	PushConstants(pipeline Pipeline, data []byte)
	Dispatch(x, y, z int)
	TraceRays(regions ShaderBindingRegions, width, height, depth int)
	CopyImage(src, dst Image, extent Extent2D)
	BlitImage(src, dst Image, srcExtent, dstExtent Extent2D)
	BeginRenderPass(pipeline Pipeline, framebuffer Framebuffer)
	Draw(vertexCount, instanceCount int)
	EndRenderPass()
	BuildAccelerationStructure(build AccelerationStructureBuild)
	AccelerationStructureBarrier()

	Destroy()
}
