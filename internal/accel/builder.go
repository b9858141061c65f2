// Package accel builds the two-level acceleration structure the ray tracing
// pass traces against: one bottom-level structure over a triangle mesh and one
// top-level structure over its instances.
package accel

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/device"
	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// ErrAlreadySubmitted is returned by every Builder call after Submit.
var ErrAlreadySubmitted = errors.New("acceleration structure builds already submitted")

type BLAS struct {
	Structure  gpu.AccelerationStructure
	Primitives int

	storage gpu.Buffer
}

func (b *BLAS) Destroy() {
	b.Structure.Destroy()
	b.storage.Destroy()
}

type TLAS struct {
	Structure gpu.AccelerationStructure
	Instances int

	storage gpu.Buffer
}

func (t *TLAS) Destroy() {
	t.Structure.Destroy()
	t.storage.Destroy()
}

// Builder records one bottom-level and one top-level build into a single
// command buffer and submits them once. Input and scratch buffers live until
// the submission completes.
type Builder struct {
	dev gpu.RayTracingDevice
	log *slog.Logger

	commands  gpu.CommandBuffer
	transient []gpu.Buffer
	blas      *BLAS
	tlas      *TLAS
	submitted bool
}

func NewBuilder(ctx *device.Context) (*Builder, error) {
	dev, err := ctx.RayTracing()
	if err != nil {
		return nil, err
	}

	commands, err := dev.CreateCommandBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "create build command buffer")
	}
	if err := commands.Begin(); err != nil {
		commands.Destroy()
		return nil, errors.Wrap(err, "begin build command buffer")
	}

	return &Builder{
		dev:      dev,
		log:      ctx.Logger.With("component", "accel"),
		commands: commands,
	}, nil
}

func (b *Builder) hostBuffer(data []byte, size int, usage gpu.BufferUsage) (gpu.Buffer, error) {
	buffer, err := b.dev.CreateBuffer(gpu.BufferDesc{
		Size:        size,
		Usage:       usage | gpu.BufferUsageDeviceAddress,
		HostVisible: true,
	})
	if err != nil {
		return nil, err
	}
	b.transient = append(b.transient, buffer)

	if len(data) > 0 {
		if err := buffer.Write(0, data); err != nil {
			return nil, err
		}
	}
	return buffer, nil
}

// allocate queries the build sizes of geometry and creates the structure, its
// storage and the scratch space of the build.
func (b *Builder) allocate(geometry gpu.AccelerationStructureGeometry) (gpu.AccelerationStructure, gpu.Buffer, gpu.Buffer, error) {
	sizes, err := b.dev.AccelerationStructureBuildSizes(geometry)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "query %s build sizes", geometry.Level)
	}

	storage, err := b.dev.CreateBuffer(gpu.BufferDesc{
		Size:  sizes.StructureSize,
		Usage: gpu.BufferUsageAccelerationStructureStorage | gpu.BufferUsageDeviceAddress,
	})
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "create %s storage", geometry.Level)
	}

	structure, err := b.dev.CreateAccelerationStructure(geometry.Level, storage, sizes.StructureSize)
	if err != nil {
		storage.Destroy()
		return nil, nil, nil, errors.Wrapf(err, "create %s structure", geometry.Level)
	}

	scratch, err := b.dev.CreateBuffer(gpu.BufferDesc{
		Size:  sizes.ScratchSize,
		Usage: gpu.BufferUsageStorage | gpu.BufferUsageDeviceAddress,
	})
	if err != nil {
		structure.Destroy()
		storage.Destroy()
		return nil, nil, nil, errors.Wrapf(err, "create %s scratch", geometry.Level)
	}
	b.transient = append(b.transient, scratch)

	return structure, storage, scratch, nil
}

func (b *Builder) BuildBLAS(mesh Mesh) (*BLAS, error) {
	if b.submitted {
		return nil, ErrAlreadySubmitted
	}
	if b.blas != nil {
		return nil, errors.New("bottom-level structure already recorded")
	}
	if err := mesh.validate(); err != nil {
		return nil, err
	}

	vertexData := &bytes.Buffer{}
	if err := binary.Write(vertexData, binary.LittleEndian, mesh.Positions); err != nil {
		return nil, err
	}
	indexData := &bytes.Buffer{}
	if err := binary.Write(indexData, binary.LittleEndian, mesh.Indices); err != nil {
		return nil, err
	}

	vertices, err := b.hostBuffer(vertexData.Bytes(), vertexData.Len(), gpu.BufferUsageAccelerationStructureInput)
	if err != nil {
		return nil, errors.Wrap(err, "create vertex buffer")
	}
	indices, err := b.hostBuffer(indexData.Bytes(), indexData.Len(), gpu.BufferUsageAccelerationStructureInput)
	if err != nil {
		return nil, errors.Wrap(err, "create index buffer")
	}

	geometry := gpu.AccelerationStructureGeometry{
		Level: gpu.BottomLevel,
		Triangles: &gpu.TriangleGeometry{
			VertexBuffer: vertices,
			VertexFormat: gpu.FormatRGB32Float,
			VertexStride: 12,
			VertexCount:  mesh.VertexCount(),
			IndexBuffer:  indices,
			IndexCount:   len(mesh.Indices),
			Opaque:       true,
		},
	}

	structure, storage, scratch, err := b.allocate(geometry)
	if err != nil {
		return nil, err
	}

	b.commands.BuildAccelerationStructure(gpu.AccelerationStructureBuild{
		Destination: structure,
		Geometry:    geometry,
		Scratch:     scratch,
	})
	// The top-level build reads the bottom-level result.
	b.commands.AccelerationStructureBarrier()

	b.blas = &BLAS{Structure: structure, Primitives: geometry.PrimitiveCount(), storage: storage}
	return b.blas, nil
}

// BuildTLAS records the top-level build over instances of the recorded
// bottom-level structure. An empty instance list builds a structure every ray
// misses.
func (b *Builder) BuildTLAS(instances []Instance) (*TLAS, error) {
	if b.submitted {
		return nil, ErrAlreadySubmitted
	}
	if b.blas == nil {
		return nil, errors.New("top-level structure needs a recorded bottom-level structure")
	}
	if b.tlas != nil {
		return nil, errors.New("top-level structure already recorded")
	}

	data, err := EncodeInstances(instances, b.blas.Structure.DeviceAddress())
	if err != nil {
		return nil, err
	}
	instanceBuffer, err := b.hostBuffer(data, max(len(data), InstanceSize), gpu.BufferUsageAccelerationStructureInput)
	if err != nil {
		return nil, errors.Wrap(err, "create instance buffer")
	}

	geometry := gpu.AccelerationStructureGeometry{
		Level: gpu.TopLevel,
		Instances: &gpu.InstanceGeometry{
			InstanceBuffer: instanceBuffer,
			Count:          len(instances),
		},
	}

	structure, storage, scratch, err := b.allocate(geometry)
	if err != nil {
		return nil, err
	}

	b.commands.BuildAccelerationStructure(gpu.AccelerationStructureBuild{
		Destination: structure,
		Geometry:    geometry,
		Scratch:     scratch,
	})

	b.tlas = &TLAS{Structure: structure, Instances: len(instances), storage: storage}
	return b.tlas, nil
}

// Submit runs both recorded builds on queue and waits for them. It may be
// called once.
func (b *Builder) Submit(queue gpu.Queue) error {
	if b.submitted {
		return ErrAlreadySubmitted
	}
	if b.blas == nil || b.tlas == nil {
		return errors.New("submit needs one bottom-level and one top-level build")
	}

	if err := b.commands.End(); err != nil {
		return errors.Wrap(err, "record acceleration structure builds")
	}

	fence, err := b.dev.CreateFence(false)
	if err != nil {
		return errors.Wrap(err, "create build fence")
	}
	defer fence.Destroy()

	if err := queue.Submit(gpu.SubmitInfo{Commands: []gpu.CommandBuffer{b.commands}, Fence: fence}); err != nil {
		return errors.Wrap(err, "submit acceleration structure builds")
	}
	b.submitted = true

	if err := fence.Wait(gpu.NoTimeout); err != nil {
		return errors.Wrap(err, "wait for acceleration structure builds")
	}

	b.release()
	b.log.Info("Built acceleration structures",
		"triangles", b.blas.Primitives,
		"instances", b.tlas.Instances,
	)
	return nil
}

func (b *Builder) release() {
	for _, buffer := range b.transient {
		buffer.Destroy()
	}
	b.transient = nil
	if b.commands != nil {
		b.commands.Destroy()
		b.commands = nil
	}
}

// Destroy frees whatever a failed or abandoned build left behind. Structures
// returned by BuildBLAS and BuildTLAS belong to the caller.
func (b *Builder) Destroy() {
	b.release()
}
