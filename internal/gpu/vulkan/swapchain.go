package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

type Swapchain struct {
	device    *Device
	swapchain khr_swapchain.Swapchain
	images    []gpu.Image
	extent    gpu.Extent2D
	format    gpu.Format
}

// CreateSwapchain builds a swapchain for surface. A non-nil old swapchain is
// handed to the driver for resource reuse; the caller still destroys it.
func (d *Device) CreateSwapchain(surface gpu.Surface, config gpu.SwapchainConfig, old gpu.Swapchain) (gpu.Swapchain, error) {
	s, ok := surface.(*Surface)
	if !ok {
		return nil, errors.Newf("surface %T does not belong to this backend", surface)
	}
	caps, _, err := s.extension.GetPhysicalDeviceSurfaceCapabilities(s.surface, d.adapter.physicalDevice)
	if err != nil {
		return nil, errors.Wrap(err, "query surface capabilities")
	}

	presentMode, ok := presentModes[config.PresentMode]
	if !ok {
		return nil, errors.Newf("unsupported present mode %s", config.PresentMode)
	}

	info := khr_swapchain.SwapchainCreateInfo{
		Surface: s.surface,

		MinImageCount:    config.ImageCount,
		ImageFormat:      toFormat(config.Format.Format),
		ImageColorSpace:  toColorSpace(config.Format.ColorSpace),
		ImageExtent:      core1_0.Extent2D{Width: config.Extent.Width, Height: config.Extent.Height},
		ImageArrayLayers: 1,
		ImageUsage:       toImageUsage(config.Usage),

		ImageSharingMode: core1_0.SharingModeExclusive,

		PreTransform:   caps.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    presentMode,
		Clipped:        true,
	}
	if previous, ok := old.(*Swapchain); ok && previous != nil {
		info.OldSwapchain = previous.swapchain
	}

	swapchain, _, err := d.swapchainExtension.CreateSwapchain(nil, info)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s swapchain", config.Extent)
	}

	sc := &Swapchain{
		device:    d,
		swapchain: swapchain,
		extent:    config.Extent,
		format:    config.Format.Format,
	}

	images, _, err := d.swapchainExtension.GetSwapchainImages(swapchain)
	if err != nil {
		sc.Destroy()
		return nil, errors.Wrap(err, "get swapchain images")
	}
	for _, image := range images {
		img := &Image{device: d, image: image, extent: sc.extent, format: sc.format}
		if err := img.createView(); err != nil {
			sc.Destroy()
			return nil, err
		}
		sc.images = append(sc.images, img)
	}

	d.log.Debug("Swapchain created",
		"extent", config.Extent.String(),
		"images", len(sc.images),
		"present_mode", config.PresentMode.String(),
	)
	return sc, nil
}

func (s *Swapchain) Images() []gpu.Image  { return s.images }
func (s *Swapchain) Extent() gpu.Extent2D { return s.extent }
func (s *Swapchain) Format() gpu.Format   { return s.format }

func (s *Swapchain) AcquireNextImage(semaphore gpu.Semaphore, timeout time.Duration) (int, error) {
	sem, ok := semaphore.(*Semaphore)
	if !ok {
		return 0, errors.Newf("semaphore %T does not belong to this backend", semaphore)
	}

	index, res, err := s.device.swapchainExtension.AcquireNextImage(s.swapchain, toTimeout(timeout), &sem.semaphore, nil)
	if res == core1_0.VKTimeout {
		return 0, gpu.ErrTimeout
	}
	if res == khr_swapchain.VKSuboptimal {
		return index, gpu.ErrSuboptimal
	}
	if err != nil || res == khr_swapchain.VKErrorOutOfDate {
		return 0, swapchainResult(res, err, "acquire swapchain image")
	}
	return index, nil
}

func (s *Swapchain) Destroy() {
	for _, image := range s.images {
		image.Destroy()
	}
	s.images = nil
	s.device.swapchainExtension.DestroySwapchain(s.swapchain, nil)
}
