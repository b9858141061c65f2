package scene

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/raytracer/internal/accel"
	"github.com/vkngwrapper/raytracer/internal/config"
	"github.com/vkngwrapper/raytracer/internal/gpu"
)

var extent = gpu.Extent2D{Width: 800, Height: 600}

func TestTraceConstantsEncoding(t *testing.T) {
	s := FromConfig(config.Default().Scene)
	constants := s.TraceConstants(extent)

	data := constants.Encode()
	require.Len(t, data, TraceConstantsSize)

	floatAt := func(offset int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
	}

	// Column 3 of the inverse view is the camera position.
	assert.InDelta(t, 0, floatAt(48), 1e-5)
	assert.InDelta(t, 0, floatAt(52), 1e-5)
	assert.InDelta(t, 2, floatAt(56), 1e-5)
	assert.InDelta(t, 1, floatAt(60), 1e-5)

	assert.Equal(t, float32(0.001), floatAt(128))
	assert.Equal(t, float32(1000), floatAt(132))
	assert.Equal(t, uint32(0xFF), binary.LittleEndian.Uint32(data[136:]))
}

func TestProjectionPointsYDown(t *testing.T) {
	camera := FromConfig(config.Default().Scene).Camera

	above := camera.Projection(extent).Mul4(camera.View()).Mul4x1(mgl32.Vec4{0, 0.5, 0, 1})
	assert.Less(t, above.Y()/above.W(), float32(0), "points above the view center land in the top half")

	right := camera.Projection(extent).Mul4(camera.View()).Mul4x1(mgl32.Vec4{0.5, 0, 0, 1})
	assert.Greater(t, right.X()/right.W(), float32(0))
}

func TestInverseProjectionRoundTrip(t *testing.T) {
	s := FromConfig(config.Default().Scene)
	constants := s.TraceConstants(extent)

	// The ray through the view center points from the camera at the target.
	far := constants.InverseProjection.Mul4x1(mgl32.Vec4{0, 0, 1, 1})
	direction := constants.InverseView.Mul4x1(far.Vec3().Normalize().Vec4(0)).Vec3()
	assert.InDelta(t, 0, direction.X(), 1e-4)
	assert.InDelta(t, 0, direction.Y(), 1e-4)
	assert.InDelta(t, -1, direction.Z(), 1e-4)
}

func TestInstancesFromConfig(t *testing.T) {
	cfg := config.Default().Scene
	cfg.Instances = []config.InstanceConfig{
		{Translation: [3]float32{1, 2, 3}, Scale: [3]float32{2, 2, 2}, Mask: 0x0F, CustomIndex: 7},
		{Scale: [3]float32{1, 1, 1}, RotationY: 90, Mask: 0xFF},
	}

	s := FromConfig(cfg)
	require.Len(t, s.Instances, 2)

	first := s.Instances[0]
	assert.Equal(t, accel.Transform{
		{2, 0, 0, 1},
		{0, 2, 0, 2},
		{0, 0, 2, 3},
	}, first.Transform)
	assert.Equal(t, uint8(0x0F), first.Mask)
	assert.Equal(t, uint32(7), first.CustomIndex)
	assert.Equal(t, accel.InstanceCullDisable, first.Flags)

	rotated := s.Instances[1].Transform
	assert.InDelta(t, 0, rotated[0][0], 1e-6)
	assert.InDelta(t, 1, rotated[0][2], 1e-6)
	assert.InDelta(t, -1, rotated[2][0], 1e-6)
}

func TestGeometry(t *testing.T) {
	s := FromConfig(config.Default().Scene)
	mesh, err := s.Geometry()
	require.NoError(t, err)
	assert.Equal(t, accel.Quad(), mesh)

	path := filepath.Join(t.TempDir(), "triangle.obj")
	require.NoError(t, os.WriteFile(path, []byte("o tri\nv 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"), 0o644))

	cfg := config.Default().Scene
	cfg.Mesh = path
	mesh, err = FromConfig(cfg).Geometry()
	require.NoError(t, err)
	assert.Equal(t, 1, mesh.TriangleCount())

	cfg.Mesh = filepath.Join(t.TempDir(), "missing.obj")
	_, err = FromConfig(cfg).Geometry()
	assert.Error(t, err)
}
