// Package resource owns the render target and everything that references its
// view, rebuilt together as a generation whenever the extent changes.
package resource

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

var ErrUnaligned = errors.New("extent is not a multiple of the tile size")

// DispatchCounts returns the work-group counts covering extent with tiles. The
// extent must already be a tile multiple.
func DispatchCounts(extent, tile gpu.Extent2D) ([3]int, error) {
	if tile.Empty() || extent.Empty() {
		return [3]int{}, errors.Newf("cannot tile %s with %s", extent, tile)
	}
	if extent.Width%tile.Width != 0 || extent.Height%tile.Height != 0 {
		return [3]int{}, errors.Wrapf(ErrUnaligned, "%s with tile %s", extent, tile)
	}
	return [3]int{extent.Width / tile.Width, extent.Height / tile.Height, 1}, nil
}

// RenderTarget is the off-screen image the compute or trace pass writes.
type RenderTarget struct {
	Image gpu.Image
}

func CreateRenderTarget(dev gpu.Device, extent gpu.Extent2D, format gpu.Format) (*RenderTarget, error) {
	image, err := dev.CreateImage(gpu.ImageDesc{
		Extent: extent,
		Format: format,
		Usage:  gpu.ImageUsageStorage | gpu.ImageUsageSampled | gpu.ImageUsageTransferSrc,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create render target %s", extent)
	}
	return &RenderTarget{Image: image}, nil
}

func (t *RenderTarget) View() gpu.ImageView  { return t.Image.View() }
func (t *RenderTarget) Extent() gpu.Extent2D { return t.Image.Extent() }

func (t *RenderTarget) Destroy() {
	t.Image.Destroy()
}

// Resources are what a bind set can point at. Each layout entry takes the
// resource matching its type.
type Resources struct {
	Target    gpu.ImageView
	Sampler   gpu.Sampler
	Structure gpu.AccelerationStructure
}

// CreateBindSet fills set of pipeline's layout from res.
func CreateBindSet(dev gpu.Device, pipeline gpu.Pipeline, set int, res Resources) (gpu.BindSet, error) {
	layout, ok := pipeline.Layout().Set(set)
	if !ok {
		return nil, errors.Newf("%s pipeline has no set %d", pipeline.Kind(), set)
	}

	bindings := make([]gpu.Binding, 0, len(layout.Entries))
	for _, entry := range layout.Entries {
		binding := gpu.Binding{Slot: entry.Binding}
		switch entry.Type {
		case gpu.BindingStorageImage:
			binding.View, binding.Layout = res.Target, gpu.LayoutGeneral
		case gpu.BindingSampledImage:
			binding.View, binding.Layout = res.Target, gpu.LayoutShaderReadOnly
		case gpu.BindingCombinedImageSampler:
			binding.View, binding.Layout, binding.Sampler = res.Target, gpu.LayoutShaderReadOnly, res.Sampler
		case gpu.BindingSampler:
			binding.Sampler = res.Sampler
		case gpu.BindingAccelerationStructure:
			binding.Structure = res.Structure
		default:
			return nil, errors.Newf("set %d binding %d: no resource for %s", set, entry.Binding, entry.Type)
		}

		if missing(entry.Type, binding) {
			return nil, errors.Newf("set %d binding %d: %s resource not provided", set, entry.Binding, entry.Type)
		}
		bindings = append(bindings, binding)
	}

	bindSet, err := dev.CreateBindSet(pipeline, set, bindings)
	if err != nil {
		return nil, errors.Wrapf(err, "create bind set %d", set)
	}
	return bindSet, nil
}

func missing(t gpu.BindingType, binding gpu.Binding) bool {
	switch t {
	case gpu.BindingStorageImage, gpu.BindingSampledImage:
		return binding.View == nil
	case gpu.BindingCombinedImageSampler:
		return binding.View == nil || binding.Sampler == nil
	case gpu.BindingSampler:
		return binding.Sampler == nil
	case gpu.BindingAccelerationStructure:
		return binding.Structure == nil
	}
	return false
}
