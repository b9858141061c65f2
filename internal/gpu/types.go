// Package gpu is the backend-neutral object model the renderer core is written
// against. A backend (internal/gpu/vulkan, or internal/gpu/gputest in tests)
// implements the interfaces in this package; nothing above it touches a
// concrete graphics API.
package gpu

import "fmt"

type Extent2D struct {
	Width  int
	Height int
}

func (e Extent2D) String() string {
	return fmt.Sprintf("%dx%d", e.Width, e.Height)
}

// Empty reports whether the extent has no area.
func (e Extent2D) Empty() bool {
	return e.Width <= 0 || e.Height <= 0
}

type Format int

const (
	FormatUndefined Format = iota
	FormatRGBA8Unorm
	FormatRGBA8SRGB
	FormatBGRA8Unorm
	FormatBGRA8SRGB
	FormatRGB32Float
)

var formatNames = map[Format]string{
	FormatUndefined:  "undefined",
	FormatRGBA8Unorm: "rgba8unorm",
	FormatRGBA8SRGB:  "rgba8srgb",
	FormatBGRA8Unorm: "bgra8unorm",
	FormatBGRA8SRGB:  "bgra8srgb",
	FormatRGB32Float: "rgb32float",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseFormat maps a configuration name back to a Format.
func ParseFormat(name string) (Format, bool) {
	for format, formatName := range formatNames {
		if formatName == name {
			return format, true
		}
	}
	return FormatUndefined, false
}

type ColorSpace int

const (
	ColorSpaceSRGBNonlinear ColorSpace = iota
)

type SurfaceFormat struct {
	Format     Format
	ColorSpace ColorSpace
}

type PresentMode int

const (
	PresentModeFIFO PresentMode = iota
	PresentModeMailbox
	PresentModeImmediate
)

func (m PresentMode) String() string {
	switch m {
	case PresentModeFIFO:
		return "fifo"
	case PresentModeMailbox:
		return "mailbox"
	case PresentModeImmediate:
		return "immediate"
	}
	return fmt.Sprintf("presentmode(%d)", int(m))
}

// ParsePresentMode maps a configuration name back to a PresentMode.
func ParsePresentMode(name string) (PresentMode, bool) {
	for _, mode := range []PresentMode{PresentModeFIFO, PresentModeMailbox, PresentModeImmediate} {
		if mode.String() == name {
			return mode, true
		}
	}
	return PresentModeFIFO, false
}

type DeviceType int

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegrated
	DeviceTypeDiscrete
	DeviceTypeVirtual
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeIntegrated:
		return "integrated"
	case DeviceTypeDiscrete:
		return "discrete"
	case DeviceTypeVirtual:
		return "virtual"
	case DeviceTypeCPU:
		return "cpu"
	}
	return "other"
}

type QueueFlags uint32

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
)

type QueueFamily struct {
	Index      int
	Flags      QueueFlags
	QueueCount int
}

// Feature is a capability a device must expose for a given frame strategy.
type Feature uint32

const (
	FeaturePresentation Feature = 1 << iota
	FeatureStorageImageWrite
	FeatureBufferDeviceAddress
	FeatureAccelerationStructure
	FeatureRayTracingPipeline
)

var featureNames = []struct {
	feature Feature
	name    string
}{
	{FeaturePresentation, "presentation"},
	{FeatureStorageImageWrite, "storage-image-write"},
	{FeatureBufferDeviceAddress, "buffer-device-address"},
	{FeatureAccelerationStructure, "acceleration-structure"},
	{FeatureRayTracingPipeline, "ray-tracing-pipeline"},
}

func (f Feature) String() string {
	var out string
	for _, entry := range featureNames {
		if f&entry.feature == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += entry.name
	}
	if out == "" {
		return "none"
	}
	return out
}

// Has reports whether every bit of required is present in f.
func (f Feature) Has(required Feature) bool {
	return f&required == required
}

type ImageUsage uint32

const (
	ImageUsageStorage ImageUsage = 1 << iota
	ImageUsageSampled
	ImageUsageTransferSrc
	ImageUsageTransferDst
	ImageUsageColorAttachment
)

type ImageLayout int

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutTransferSrc
	LayoutTransferDst
	LayoutShaderReadOnly
	LayoutColorAttachment
	LayoutPresentSrc
)

func (l ImageLayout) String() string {
	switch l {
	case LayoutUndefined:
		return "undefined"
	case LayoutGeneral:
		return "general"
	case LayoutTransferSrc:
		return "transfer-src"
	case LayoutTransferDst:
		return "transfer-dst"
	case LayoutShaderReadOnly:
		return "shader-read-only"
	case LayoutColorAttachment:
		return "color-attachment"
	case LayoutPresentSrc:
		return "present-src"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageStorage
	BufferUsageDeviceAddress
	BufferUsageAccelerationStructureInput
	BufferUsageAccelerationStructureStorage
	BufferUsageShaderBindingTable
)

type ShaderStage uint32

const (
	StageVertex ShaderStage = 1 << iota
	StageFragment
	StageCompute
	StageRayGeneration
	StageMiss
	StageClosestHit
)

const StageAllRayTracing = StageRayGeneration | StageMiss | StageClosestHit

func (s ShaderStage) String() string {
	names := []struct {
		stage ShaderStage
		name  string
	}{
		{StageVertex, "vertex"},
		{StageFragment, "fragment"},
		{StageCompute, "compute"},
		{StageRayGeneration, "ray_generation"},
		{StageMiss, "miss"},
		{StageClosestHit, "closest_hit"},
	}
	var out string
	for _, entry := range names {
		if s&entry.stage == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += entry.name
	}
	return out
}

// PipelineStage names the point in a submission where a semaphore wait applies.
type PipelineStage uint32

const (
	PipelineStageTopOfPipe PipelineStage = 1 << iota
	PipelineStageTransfer
	PipelineStageComputeShader
	PipelineStageRayTracingShader
	PipelineStageColorAttachmentOutput
	PipelineStageAllCommands
)

type BindingType int

const (
	BindingStorageImage BindingType = iota
	BindingSampledImage
	BindingSampler
	BindingCombinedImageSampler
	BindingUniformBuffer
	BindingStorageBuffer
	BindingAccelerationStructure
)

func (t BindingType) String() string {
	switch t {
	case BindingStorageImage:
		return "storage-image"
	case BindingSampledImage:
		return "sampled-image"
	case BindingSampler:
		return "sampler"
	case BindingCombinedImageSampler:
		return "combined-image-sampler"
	case BindingUniformBuffer:
		return "uniform-buffer"
	case BindingStorageBuffer:
		return "storage-buffer"
	case BindingAccelerationStructure:
		return "acceleration-structure"
	}
	return fmt.Sprintf("binding(%d)", int(t))
}

type LayoutEntry struct {
	Binding int
	Type    BindingType
	Count   int
	Stages  ShaderStage
}

type SetLayout struct {
	Set     int
	Entries []LayoutEntry
}

// Entry returns the entry for binding, if the set declares it.
func (l SetLayout) Entry(binding int) (LayoutEntry, bool) {
	for _, entry := range l.Entries {
		if entry.Binding == binding {
			return entry, true
		}
	}
	return LayoutEntry{}, false
}

type PushConstantRange struct {
	Size   int
	Stages ShaderStage
}

type PipelineLayout struct {
	Sets          []SetLayout
	PushConstants PushConstantRange
}

// Set returns the layout of descriptor set index set.
func (l PipelineLayout) Set(set int) (SetLayout, bool) {
	for _, setLayout := range l.Sets {
		if setLayout.Set == set {
			return setLayout, true
		}
	}
	return SetLayout{}, false
}

type PipelineKind int

const (
	PipelineCompute PipelineKind = iota
	PipelineGraphics
	PipelineRayTracing
)

func (k PipelineKind) String() string {
	switch k {
	case PipelineCompute:
		return "compute"
	case PipelineGraphics:
		return "graphics"
	case PipelineRayTracing:
		return "ray-tracing"
	}
	return fmt.Sprintf("pipeline(%d)", int(k))
}

type Topology int

const (
	TopologyTriangleList Topology = iota
	TopologyTriangleStrip
)

type ShaderStageDesc struct {
	Module ShaderModule
	Entry  string
	Stage  ShaderStage
}

type ComputePipelineDesc struct {
	Stage  ShaderStageDesc
	Layout PipelineLayout
}

type GraphicsPipelineDesc struct {
	Vertex      ShaderStageDesc
	Fragment    ShaderStageDesc
	ColorFormat Format
	Topology    Topology
	Layout      PipelineLayout
}

type ShaderGroupType int

const (
	ShaderGroupGeneral ShaderGroupType = iota
	ShaderGroupTrianglesHit
)

// UnusedShader marks an unused stage slot in a ShaderGroup.
const UnusedShader = -1

type ShaderGroup struct {
	Type       ShaderGroupType
	General    int
	ClosestHit int
}

type RayTracingPipelineDesc struct {
	Stages            []ShaderStageDesc
	Groups            []ShaderGroup
	MaxRecursionDepth int
	Layout            PipelineLayout
}

type RayTracingProperties struct {
	HandleSize      int
	HandleAlignment int
	BaseAlignment   int
	MaxRecursion    int
}

// StridedRegion is one row range of a shader binding table as consumed by a
// trace call.
type StridedRegion struct {
	Address uint64
	Stride  int
	Size    int
}

type ShaderBindingRegions struct {
	RayGeneration StridedRegion
	Miss          StridedRegion
	Hit           StridedRegion
	Callable      StridedRegion
}

type AccelerationStructureLevel int

const (
	BottomLevel AccelerationStructureLevel = iota
	TopLevel
)

func (l AccelerationStructureLevel) String() string {
	if l == TopLevel {
		return "top-level"
	}
	return "bottom-level"
}

type TriangleGeometry struct {
	VertexBuffer Buffer
	VertexFormat Format
	VertexStride int
	VertexCount  int
	IndexBuffer  Buffer
	IndexCount   int
	Opaque       bool
}

type InstanceGeometry struct {
	InstanceBuffer Buffer
	Count          int
}

// AccelerationStructureGeometry describes one build input. Exactly one of
// Triangles or Instances is set, matching Level.
type AccelerationStructureGeometry struct {
	Level     AccelerationStructureLevel
	Triangles *TriangleGeometry
	Instances *InstanceGeometry
}

// PrimitiveCount is the number of triangles or instances the build consumes.
func (g AccelerationStructureGeometry) PrimitiveCount() int {
	switch {
	case g.Triangles != nil && g.Triangles.IndexBuffer != nil:
		return g.Triangles.IndexCount / 3
	case g.Triangles != nil:
		return g.Triangles.VertexCount / 3
	case g.Instances != nil:
		return g.Instances.Count
	}
	return 0
}

type BuildSizes struct {
	StructureSize int
	ScratchSize   int
}

type AccelerationStructureBuild struct {
	Destination AccelerationStructure
	Geometry    AccelerationStructureGeometry
	Scratch     Buffer
}

type ImageDesc struct {
	Extent Extent2D
	Format Format
	Usage  ImageUsage
}

type BufferDesc struct {
	Size        int
	Usage       BufferUsage
	HostVisible bool
}

type SwapchainConfig struct {
	Format      SurfaceFormat
	Extent      Extent2D
	PresentMode PresentMode
	ImageCount  int
	Usage       ImageUsage
}

type SurfaceCapabilities struct {
	MinImageCount int
	// MaxImageCount is zero when the surface imposes no upper bound.
	MaxImageCount int
	// CurrentExtent is (-1, -1) when the surface size is decided by the swapchain.
	CurrentExtent  Extent2D
	MinImageExtent Extent2D
	MaxImageExtent Extent2D
	SupportedUsage ImageUsage
}

// ExtentUndefined reports whether the swapchain extent is left to the caller.
func (c SurfaceCapabilities) ExtentUndefined() bool {
	return c.CurrentExtent.Width == -1
}

type SurfaceSupport struct {
	Capabilities SurfaceCapabilities
	Formats      []SurfaceFormat
	PresentModes []PresentMode
}

type DeviceDesc struct {
	Adapter     Adapter
	QueueFamily int
	Features    Feature
}

// Binding fills one slot of a bind set. Which of View, Sampler or Structure is
// read depends on the slot's BindingType.
type Binding struct {
	Slot      int
	View      ImageView
	Layout    ImageLayout
	Sampler   Sampler
	Structure AccelerationStructure
}

type SubmitInfo struct {
	Commands   []CommandBuffer
	Wait       []Semaphore
	WaitStages []PipelineStage
	Signal     []Semaphore
	Fence      Fence
}

type PresentInfo struct {
	Swapchain  Swapchain
	ImageIndex int
	Wait       []Semaphore
}
