package pipeline

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

func align(value, alignment int) int {
	if alignment <= 1 {
		return value
	}
	return (value + alignment - 1) / alignment * alignment
}

// TableLayout is where each region of a binding table sits relative to the
// aligned start of the table.
type TableLayout struct {
	HandleStride int
	Generation   gpu.StridedRegion
	Miss         gpu.StridedRegion
	Hit          gpu.StridedRegion
	MissOffset   int
	HitOffset    int
	Size         int
}

// LayoutTable computes region strides and sizes. The generation region holds
// one record whose stride equals its size; every region starts on a base
// alignment boundary.
func LayoutTable(props gpu.RayTracingProperties, missCount, hitCount int) TableLayout {
	stride := align(props.HandleSize, props.HandleAlignment)

	generationSize := align(stride, props.BaseAlignment)
	missSize := align(missCount*stride, props.BaseAlignment)
	hitSize := align(hitCount*stride, props.BaseAlignment)

	return TableLayout{
		HandleStride: stride,
		Generation:   gpu.StridedRegion{Stride: generationSize, Size: generationSize},
		Miss:         gpu.StridedRegion{Stride: stride, Size: missSize},
		Hit:          gpu.StridedRegion{Stride: stride, Size: hitSize},
		MissOffset:   generationSize,
		HitOffset:    generationSize + missSize,
		Size:         generationSize + missSize + hitSize,
	}
}

// ShaderBindingTable maps shader group indices to the handles a trace call
// dispatches through. Rows are in group order: generation, misses, hits.
type ShaderBindingTable struct {
	buffer  gpu.Buffer
	Layout  TableLayout
	Regions gpu.ShaderBindingRegions
}

// NewShaderBindingTable reads the group handles of pipeline and writes them
// into a host-visible buffer laid out by LayoutTable.
func NewShaderBindingTable(dev gpu.RayTracingDevice, pipeline gpu.Pipeline, missCount, hitCount int) (*ShaderBindingTable, error) {
	props := dev.RayTracingProperties()
	layout := LayoutTable(props, missCount, hitCount)
	groups := 1 + missCount + hitCount

	handles, err := dev.ShaderGroupHandles(pipeline, 0, groups)
	if err != nil {
		return nil, errors.Wrap(err, "get shader group handles")
	}
	if len(handles) != groups*props.HandleSize {
		return nil, errors.Newf("got %d handle bytes, want %d", len(handles), groups*props.HandleSize)
	}

	buffer, err := dev.CreateBuffer(gpu.BufferDesc{
		Size:        layout.Size + props.BaseAlignment,
		Usage:       gpu.BufferUsageShaderBindingTable | gpu.BufferUsageDeviceAddress | gpu.BufferUsageTransferSrc,
		HostVisible: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create shader binding table buffer")
	}

	base := buffer.DeviceAddress()
	start := uint64(align(int(base), props.BaseAlignment))
	offset := int(start - base)

	handle := func(group int) []byte {
		return handles[group*props.HandleSize : (group+1)*props.HandleSize]
	}

	type row struct{ at, group int }
	rows := []row{{offset, GroupGeneration}}
	for i := 0; i < missCount; i++ {
		rows = append(rows, row{offset + layout.MissOffset + i*layout.HandleStride, 1 + i})
	}
	for i := 0; i < hitCount; i++ {
		rows = append(rows, row{offset + layout.HitOffset + i*layout.HandleStride, 1 + missCount + i})
	}
	for _, w := range rows {
		if err := buffer.Write(w.at, handle(w.group)); err != nil {
			buffer.Destroy()
			return nil, errors.Wrapf(err, "write handle of group %d", w.group)
		}
	}

	regions := gpu.ShaderBindingRegions{
		RayGeneration: layout.Generation,
		Miss:          layout.Miss,
		Hit:           layout.Hit,
	}
	regions.RayGeneration.Address = start
	regions.Miss.Address = start + uint64(layout.MissOffset)
	regions.Hit.Address = start + uint64(layout.HitOffset)

	return &ShaderBindingTable{buffer: buffer, Layout: layout, Regions: regions}, nil
}

func (t *ShaderBindingTable) Destroy() {
	t.buffer.Destroy()
}
