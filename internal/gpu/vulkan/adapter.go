package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// storageTargetFormat is the render target format the passes write.
const storageTargetFormat = core1_0.FormatR8G8B8A8UnsignedNormalized

type Adapter struct {
	instance       *Instance
	physicalDevice core1_0.PhysicalDevice
	properties     *core1_0.PhysicalDeviceProperties
	families       []gpu.QueueFamily
	extensions     map[string]*core1_0.ExtensionProperties
	features       gpu.Feature
}

func newAdapter(instance *Instance, physicalDevice core1_0.PhysicalDevice) (*Adapter, error) {
	properties, err := instance.instanceDriver.GetPhysicalDeviceProperties(physicalDevice)
	if err != nil {
		return nil, errors.Wrap(err, "read physical device properties")
	}
	extensions, _, err := instance.instanceDriver.EnumerateDeviceExtensionProperties(physicalDevice)
	if err != nil {
		return nil, errors.Wrapf(err, "enumerate extensions of %s", properties.DriverName)
	}

	a := &Adapter{
		instance:       instance,
		physicalDevice: physicalDevice,
		properties:     properties,
		extensions:     extensions,
	}
	for index, family := range instance.instanceDriver.GetPhysicalDeviceQueueFamilyProperties(physicalDevice) {
		a.families = append(a.families, gpu.QueueFamily{
			Index:      index,
			Flags:      fromQueueFlags(family.QueueFlags),
			QueueCount: family.QueueCount,
		})
	}
	a.features = a.detectFeatures()

	instance.log.Debug("Adapter found",
		"name", properties.DriverName,
		"type", a.Type().String(),
		"api", properties.APIVersion.String(),
		"features", a.features.String(),
		"pipeline_cache", properties.PipelineCacheUUID.String(),
	)
	return a, nil
}

func (a *Adapter) hasExtension(name string) bool {
	_, ok := a.extensions[name]
	return ok
}

func (a *Adapter) bufferDeviceAddress() bool {
	return a.properties.APIVersion.IsAtLeast(common.Vulkan1_2) || a.hasExtension(extensionBufferDeviceAddress)
}

func (a *Adapter) detectFeatures() gpu.Feature {
	var features gpu.Feature
	if a.hasExtension(khr_swapchain.ExtensionName) {
		features |= gpu.FeaturePresentation
	}

	formatProperties := a.instance.instanceDriver.GetPhysicalDeviceFormatProperties(a.physicalDevice, storageTargetFormat)
	if formatProperties.OptimalTilingFeatures&core1_0.FormatFeatureStorageImage != 0 {
		features |= gpu.FeatureStorageImageWrite
	}

	if a.bufferDeviceAddress() {
		features |= gpu.FeatureBufferDeviceAddress
		if a.hasExtension(extensionAccelerationStructure) && a.hasExtension(extensionDeferredHostOps) {
			features |= gpu.FeatureAccelerationStructure
		}
		if a.hasExtension(extensionRayTracingPipeline) && a.hasExtension(extensionSPIRV14) && a.hasExtension(extensionShaderFloatControls) {
			features |= gpu.FeatureRayTracingPipeline
		}
	}
	return features
}

func (a *Adapter) Name() string                     { return a.properties.DriverName }
func (a *Adapter) Type() gpu.DeviceType             { return fromDeviceType(a.properties.DriverType) }
func (a *Adapter) Features() gpu.Feature            { return a.features }
func (a *Adapter) QueueFamilies() []gpu.QueueFamily { return a.families }

func (a *Adapter) SupportsPresent(queueFamily int, surface gpu.Surface) (bool, error) {
	s, ok := surface.(*Surface)
	if !ok {
		return false, errors.Newf("surface %T does not belong to this backend", surface)
	}
	supported, _, err := s.extension.GetPhysicalDeviceSurfaceSupport(s.surface, a.physicalDevice, queueFamily)
	if err != nil {
		return false, errors.Wrapf(err, "query present support of family %d", queueFamily)
	}
	return supported, nil
}

func (a *Adapter) SurfaceSupport(surface gpu.Surface) (gpu.SurfaceSupport, error) {
	s, ok := surface.(*Surface)
	if !ok {
		return gpu.SurfaceSupport{}, errors.Newf("surface %T does not belong to this backend", surface)
	}

	caps, _, err := s.extension.GetPhysicalDeviceSurfaceCapabilities(s.surface, a.physicalDevice)
	if err != nil {
		return gpu.SurfaceSupport{}, errors.Wrap(err, "query surface capabilities")
	}
	formats, _, err := s.extension.GetPhysicalDeviceSurfaceFormats(s.surface, a.physicalDevice)
	if err != nil {
		return gpu.SurfaceSupport{}, errors.Wrap(err, "query surface formats")
	}
	modes, _, err := s.extension.GetPhysicalDeviceSurfacePresentModes(s.surface, a.physicalDevice)
	if err != nil {
		return gpu.SurfaceSupport{}, errors.Wrap(err, "query present modes")
	}

	support := gpu.SurfaceSupport{
		Capabilities: gpu.SurfaceCapabilities{
			MinImageCount:  caps.MinImageCount,
			MaxImageCount:  caps.MaxImageCount,
			CurrentExtent:  gpu.Extent2D{Width: caps.CurrentExtent.Width, Height: caps.CurrentExtent.Height},
			MinImageExtent: gpu.Extent2D{Width: caps.MinImageExtent.Width, Height: caps.MinImageExtent.Height},
			MaxImageExtent: gpu.Extent2D{Width: caps.MaxImageExtent.Width, Height: caps.MaxImageExtent.Height},
			SupportedUsage: fromImageUsage(caps.SupportedUsageFlags),
		},
		PresentModes: fromPresentModes(modes),
	}
	for _, format := range formats {
		f := fromFormat(format.Format)
		if f == gpu.FormatUndefined {
			continue
		}
		support.Formats = append(support.Formats, gpu.SurfaceFormat{Format: f, ColorSpace: gpu.ColorSpaceSRGBNonlinear})
	}
	return support, nil
}

// deviceExtensions lists what a device opened with features enables on this
// adapter.
func (a *Adapter) deviceExtensions(features gpu.Feature) []string {
	extensions := []string{khr_swapchain.ExtensionName}
	if a.hasExtension(khr_portability_subset.ExtensionName) {
		extensions = append(extensions, khr_portability_subset.ExtensionName)
	}
	if features.Has(gpu.FeatureBufferDeviceAddress) && !a.properties.APIVersion.IsAtLeast(common.Vulkan1_2) {
		extensions = append(extensions, extensionBufferDeviceAddress)
	}
	if features&(gpu.FeatureAccelerationStructure|gpu.FeatureRayTracingPipeline) != 0 {
		extensions = append(extensions, rayTracingExtensions...)
	}
	return extensions
}
