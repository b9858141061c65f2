// Package gputest is an in-memory gpu backend for tests. It records every
// call, replays command buffers on small pixel buffers when they are
// submitted, and reports misuse (layout mismatches, unsignaled waits,
// destroyed resources) as Violations instead of undefined behavior.
package gputest

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// Color is one RGBA pixel.
type Color [4]float32

var (
	Magenta    = Color{1, 0, 1, 1}
	Background = Color{0, 0, 0.2, 1}
)

type Instance struct {
	adapters  []*Adapter
	devices   []*Device
	Destroyed bool
}

func NewInstance(adapters ...*Adapter) *Instance {
	return &Instance{adapters: adapters}
}

func (i *Instance) Adapters() ([]gpu.Adapter, error) {
	out := make([]gpu.Adapter, 0, len(i.adapters))
	for _, adapter := range i.adapters {
		out = append(out, adapter)
	}
	return out, nil
}

func (i *Instance) CreateDevice(desc gpu.DeviceDesc) (gpu.Device, error) {
	adapter, ok := desc.Adapter.(*Adapter)
	if !ok {
		return nil, errors.Newf("adapter %T does not belong to this instance", desc.Adapter)
	}
	if !adapter.FeatureSet.Has(desc.Features) {
		return nil, errors.Wrapf(gpu.ErrUnsupported, "adapter %s lacks %s", adapter.AdapterName, desc.Features&^adapter.FeatureSet)
	}

	dev := NewDevice()
	dev.Adapter = adapter
	dev.Features = desc.Features
	dev.queue.family = desc.QueueFamily
	i.devices = append(i.devices, dev)
	return dev, nil
}

// Devices lists the devices created through CreateDevice.
func (i *Instance) Devices() []*Device {
	return i.devices
}

func (i *Instance) Destroy() {
	i.Destroyed = true
}

// Adapter is a scripted physical device.
type Adapter struct {
	AdapterName string
	DeviceType  gpu.DeviceType
	FeatureSet  gpu.Feature
	Families    []gpu.QueueFamily
	// PresentFamilies lists the queue families that can present. Nil means all.
	PresentFamilies []int
	// PresentErr fails every present support query when set.
	PresentErr error
	// Support is reported for every surface; CurrentExtent comes from the surface.
	Support gpu.SurfaceSupport
}

// NewAdapter returns an adapter with one graphics+compute+transfer family and
// a surface supporting FIFO and mailbox on BGRA8 sRGB.
func NewAdapter(name string, deviceType gpu.DeviceType, features gpu.Feature) *Adapter {
	return &Adapter{
		AdapterName: name,
		DeviceType:  deviceType,
		FeatureSet:  features,
		Families: []gpu.QueueFamily{
			{Index: 0, Flags: gpu.QueueGraphics | gpu.QueueCompute | gpu.QueueTransfer, QueueCount: 1},
		},
		Support: gpu.SurfaceSupport{
			Capabilities: gpu.SurfaceCapabilities{
				MinImageCount:  2,
				MaxImageCount:  8,
				MinImageExtent: gpu.Extent2D{Width: 1, Height: 1},
				MaxImageExtent: gpu.Extent2D{Width: 16384, Height: 16384},
				SupportedUsage: gpu.ImageUsageTransferDst | gpu.ImageUsageColorAttachment | gpu.ImageUsageStorage,
			},
			Formats: []gpu.SurfaceFormat{
				{Format: gpu.FormatBGRA8SRGB, ColorSpace: gpu.ColorSpaceSRGBNonlinear},
				{Format: gpu.FormatRGBA8Unorm, ColorSpace: gpu.ColorSpaceSRGBNonlinear},
			},
			PresentModes: []gpu.PresentMode{gpu.PresentModeFIFO, gpu.PresentModeMailbox},
		},
	}
}

func (a *Adapter) Name() string                     { return a.AdapterName }
func (a *Adapter) Type() gpu.DeviceType             { return a.DeviceType }
func (a *Adapter) Features() gpu.Feature            { return a.FeatureSet }
func (a *Adapter) QueueFamilies() []gpu.QueueFamily { return a.Families }

func (a *Adapter) SupportsPresent(queueFamily int, surface gpu.Surface) (bool, error) {
	if _, ok := surface.(*Surface); !ok {
		return false, errors.Newf("surface %T does not belong to this backend", surface)
	}
	if a.PresentErr != nil {
		return false, a.PresentErr
	}
	if a.PresentFamilies == nil {
		return true, nil
	}
	for _, family := range a.PresentFamilies {
		if family == queueFamily {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) SurfaceSupport(surface gpu.Surface) (gpu.SurfaceSupport, error) {
	s, ok := surface.(*Surface)
	if !ok {
		return gpu.SurfaceSupport{}, errors.Newf("surface %T does not belong to this backend", surface)
	}
	if s.Destroyed {
		return gpu.SurfaceSupport{}, gpu.ErrSurfaceLost
	}
	support := a.Support
	support.Capabilities.CurrentExtent = s.Extent
	return support, nil
}

// Surface stands in for a window surface. Extent is what the window system
// currently reports; swapchains that do not match it go out of date.
type Surface struct {
	Extent    gpu.Extent2D
	Destroyed bool
}

func NewSurface(width, height int) *Surface {
	return &Surface{Extent: gpu.Extent2D{Width: width, Height: height}}
}

// Resize changes the extent reported by the window system.
func (s *Surface) Resize(width, height int) {
	s.Extent = gpu.Extent2D{Width: width, Height: height}
}

func (s *Surface) Destroy() {
	s.Destroyed = true
}
