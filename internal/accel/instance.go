package accel

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
)

// InstanceSize is the encoded size of one top-level instance.
const InstanceSize = 64

const maxInstanceField = 1<<24 - 1

type InstanceFlags uint8

const (
	InstanceCullDisable InstanceFlags = 1 << iota
	InstanceFlipFacing
	InstanceForceOpaque
	InstanceForceNoOpaque
)

// Transform is a row-major 3x4 affine matrix.
type Transform [3][4]float32

// TransformFromMat4 drops the projective row of m.
func TransformFromMat4(m mgl32.Mat4) Transform {
	var t Transform
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			t[row][col] = m.At(row, col)
		}
	}
	return t
}

// Instance places the bottom-level structure in the top-level one.
type Instance struct {
	Transform Transform
	// CustomIndex and HitGroupOffset are 24-bit fields.
	CustomIndex    uint32
	Mask           uint8
	HitGroupOffset uint32
	Flags          InstanceFlags
}

type instanceRecord struct {
	Transform   Transform
	IndexMask   uint32
	OffsetFlags uint32
	Reference   uint64
}

// EncodeInstances lays out instances in the device instance format, each
// pointing at the structure with device address reference.
func EncodeInstances(instances []Instance, reference uint64) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Grow(len(instances) * InstanceSize)

	for i, instance := range instances {
		if instance.CustomIndex > maxInstanceField {
			return nil, errors.Newf("instance %d: custom index %d does not fit in 24 bits", i, instance.CustomIndex)
		}
		if instance.HitGroupOffset > maxInstanceField {
			return nil, errors.Newf("instance %d: hit group offset %d does not fit in 24 bits", i, instance.HitGroupOffset)
		}

		record := instanceRecord{
			Transform:   instance.Transform,
			IndexMask:   instance.CustomIndex | uint32(instance.Mask)<<24,
			OffsetFlags: instance.HitGroupOffset | uint32(instance.Flags)<<24,
			Reference:   reference,
		}
		if err := binary.Write(buf, binary.LittleEndian, record); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
