// Package scene turns the scene configuration into the inputs of the ray
// tracing pass: the mesh and instances of the acceleration structure, and the
// per-frame camera constants.
package scene

import (
	"bytes"
	"encoding/binary"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/vkngwrapper/raytracer/internal/accel"
	"github.com/vkngwrapper/raytracer/internal/config"
	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// TraceConstantsSize is the size of the push-constant block the ray
// generation stage reads.
const TraceConstantsSize = 140

type Camera struct {
	Position mgl32.Vec3
	Target   mgl32.Vec3
	Up       mgl32.Vec3
	// FovY is the vertical field of view in degrees.
	FovY float32
	Near float32
	Far  float32
}

func (c Camera) View() mgl32.Mat4 {
	return mgl32.LookAtV(c.Position, c.Target, c.Up)
}

// Projection is a perspective projection into clip space with Y pointing
// down, so row 0 of the render target is the top of the view.
func (c Camera) Projection(extent gpu.Extent2D) mgl32.Mat4 {
	aspect := float32(1)
	if !extent.Empty() {
		aspect = float32(extent.Width) / float32(extent.Height)
	}
	proj := mgl32.Perspective(mgl32.DegToRad(c.FovY), aspect, c.Near, c.Far)
	proj[5] *= -1
	return proj
}

// TraceConstants is the push-constant block of the ray generation stage.
type TraceConstants struct {
	InverseView       mgl32.Mat4
	InverseProjection mgl32.Mat4
	TMin              float32
	TMax              float32
	CullMask          uint32
}

func (t TraceConstants) Encode() []byte {
	buf := &bytes.Buffer{}
	buf.Grow(TraceConstantsSize)
	// Writes to a bytes.Buffer of fixed-size fields cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, t)
	return buf.Bytes()
}

type Scene struct {
	Camera    Camera
	Instances []accel.Instance
	TMin      float32
	TMax      float32
	CullMask  uint8

	mesh     string
	material string
}

func vec3(v [3]float32) mgl32.Vec3 { return mgl32.Vec3(v) }

// Placement is the model transform of an instance: scale, then rotation about
// Y, then translation.
func Placement(cfg config.InstanceConfig) mgl32.Mat4 {
	return mgl32.Translate3D(cfg.Translation[0], cfg.Translation[1], cfg.Translation[2]).
		Mul4(mgl32.HomogRotate3DY(mgl32.DegToRad(cfg.RotationY))).
		Mul4(mgl32.Scale3D(cfg.Scale[0], cfg.Scale[1], cfg.Scale[2]))
}

func FromConfig(cfg config.SceneConfig) Scene {
	s := Scene{
		Camera: Camera{
			Position: vec3(cfg.Camera.Position),
			Target:   vec3(cfg.Camera.Target),
			Up:       vec3(cfg.Camera.Up),
			FovY:     cfg.Camera.FovY,
			Near:     cfg.Camera.Near,
			Far:      cfg.Camera.Far,
		},
		TMin:     cfg.TMin,
		TMax:     cfg.TMax,
		CullMask: cfg.CullMask,
		mesh:     cfg.Mesh,
		material: cfg.Material,
	}

	for _, instance := range cfg.Instances {
		s.Instances = append(s.Instances, accel.Instance{
			Transform:   accel.TransformFromMat4(Placement(instance)),
			CustomIndex: instance.CustomIndex,
			Mask:        instance.Mask,
			// Quads are seen from both sides.
			Flags: accel.InstanceCullDisable,
		})
	}

	return s
}

// Geometry returns the configured mesh, or the built-in quad when none is set.
func (s Scene) Geometry() (accel.Mesh, error) {
	if s.mesh == "" {
		return accel.Quad(), nil
	}
	return accel.LoadOBJ(s.mesh, s.material)
}

// TraceConstants returns the camera constants for a render target of extent.
func (s Scene) TraceConstants(extent gpu.Extent2D) TraceConstants {
	return TraceConstants{
		InverseView:       s.Camera.View().Inv(),
		InverseProjection: s.Camera.Projection(extent).Inv(),
		TMin:              s.TMin,
		TMax:              s.TMax,
		CullMask:          uint32(s.CullMask),
	}
}
