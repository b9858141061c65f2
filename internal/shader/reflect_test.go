package shader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// assembler builds SPIR-V word streams for reflection tests.
type assembler struct {
	words []uint32
}

func newAssembler() *assembler {
	return &assembler{words: []uint32{spirvMagic, 0x00010400, 0, 100, 0}}
}

func (a *assembler) op(opcode uint32, operands ...uint32) *assembler {
	a.words = append(a.words, uint32(len(operands)+1)<<16|opcode)
	a.words = append(a.words, operands...)
	return a
}

func str(s string) []uint32 {
	b := append([]byte(s), 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func cat(parts ...[]uint32) []uint32 {
	var out []uint32
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

func computeModule() []uint32 {
	const (
		entry  = 1
		float  = 2
		image  = 3
		ptr    = 4
		output = 5
	)
	a := newAssembler()
	a.op(opEntryPoint, cat([]uint32{5, entry}, str("main_cs"))...)
	a.op(opExecutionMode, entry, executionModeLocalSize, 10, 10, 1)
	a.op(opName, cat([]uint32{output}, str("output"))...)
	a.op(opDecorate, output, decorationDescriptorSet, 0)
	a.op(opDecorate, output, decorationBinding, 0)
	a.op(opTypeFloat, float, 32)
	a.op(opTypeImage, image, float, 1, 0, 0, 0, 2, 4)
	a.op(opTypePointer, ptr, storageUniformConstant, image)
	a.op(opVariable, ptr, output, storageUniformConstant)
	return a.words
}

func rayTracingModule() []uint32 {
	const (
		rgen = iota + 1
		miss
		chit
		float
		u32
		vec4
		mat4
		camera
		cameraPtr
		cameraVar
		structure
		structurePtr
		scene
		image
		imagePtr
		target
	)
	a := newAssembler()
	a.op(opEntryPoint, cat([]uint32{5313, rgen}, str("generate_rays"))...)
	a.op(opEntryPoint, cat([]uint32{5317, miss}, str("ray_miss"))...)
	a.op(opEntryPoint, cat([]uint32{5316, chit}, str("ray_hit"))...)
	a.op(opDecorate, camera, decorationBlock)
	a.op(opMemberDecorate, camera, 0, decorationOffset, 0)
	a.op(opMemberDecorate, camera, 0, decorationMatrixStride, 16)
	a.op(opMemberDecorate, camera, 1, decorationOffset, 64)
	a.op(opMemberDecorate, camera, 1, decorationMatrixStride, 16)
	a.op(opMemberDecorate, camera, 2, decorationOffset, 128)
	a.op(opMemberDecorate, camera, 3, decorationOffset, 132)
	a.op(opMemberDecorate, camera, 4, decorationOffset, 136)
	a.op(opDecorate, scene, decorationDescriptorSet, 0)
	a.op(opDecorate, scene, decorationBinding, 0)
	a.op(opDecorate, target, decorationDescriptorSet, 0)
	a.op(opDecorate, target, decorationBinding, 1)
	a.op(opTypeFloat, float, 32)
	a.op(opTypeInt, u32, 32, 0)
	a.op(opTypeVector, vec4, float, 4)
	a.op(opTypeMatrix, mat4, vec4, 4)
	a.op(opTypeStruct, camera, mat4, mat4, float, float, u32)
	a.op(opTypePointer, cameraPtr, storagePushConstant, camera)
	a.op(opVariable, cameraPtr, cameraVar, storagePushConstant)
	a.op(opTypeAccelerationStructureKHR, structure)
	a.op(opTypePointer, structurePtr, storageUniformConstant, structure)
	a.op(opVariable, structurePtr, scene, storageUniformConstant)
	a.op(opTypeImage, image, float, 1, 0, 0, 0, 2, 4)
	a.op(opTypePointer, imagePtr, storageUniformConstant, image)
	a.op(opVariable, imagePtr, target, storageUniformConstant)
	return a.words
}

func TestReflectCompute(t *testing.T) {
	reflection, err := Reflect(computeModule())
	require.NoError(t, err)

	entry, ok := reflection.EntryPoint("main_cs")
	require.True(t, ok)
	assert.Equal(t, gpu.StageCompute, entry.Stage)
	assert.Equal(t, [3]int{10, 10, 1}, entry.LocalSize)

	require.Len(t, reflection.Resources, 1)
	assert.Equal(t, Resource{Name: "output", Set: 0, Binding: 0, Type: gpu.BindingStorageImage, Count: 1}, reflection.Resources[0])
	assert.Zero(t, reflection.PushConstantSize)
}

func TestReflectRayTracing(t *testing.T) {
	reflection, err := Reflect(rayTracingModule())
	require.NoError(t, err)

	assert.Equal(t, []string{"generate_rays", "ray_miss", "ray_hit"}, reflection.EntryPointNames())
	miss, _ := reflection.EntryPoint("ray_miss")
	assert.Equal(t, gpu.StageMiss, miss.Stage)

	require.Len(t, reflection.Resources, 2)
	assert.Equal(t, gpu.BindingAccelerationStructure, reflection.Resources[0].Type)
	assert.Equal(t, gpu.BindingStorageImage, reflection.Resources[1].Type)
	assert.Equal(t, 1, reflection.Resources[1].Binding)

	assert.Equal(t, 140, reflection.PushConstantSize)
}

func TestReflectRejectsTruncated(t *testing.T) {
	words := computeModule()
	words = append(words, 9<<16|opTypeFloat, 7)
	_, err := Reflect(words)
	assert.Error(t, err)
}

func TestFromBytesByteOrder(t *testing.T) {
	words := computeModule()

	little := make([]byte, len(words)*4)
	big := make([]byte, len(words)*4)
	for i, word := range words {
		binary.LittleEndian.PutUint32(little[i*4:], word)
		binary.BigEndian.PutUint32(big[i*4:], word)
	}

	fromLittle, err := FromBytes("little", little)
	require.NoError(t, err)
	fromBig, err := FromBytes("big", big)
	require.NoError(t, err)

	assert.Equal(t, words, fromLittle.Code)
	assert.Equal(t, words, fromBig.Code)

	_, err = fromBig.EntryPoint("main")
	assert.ErrorContains(t, err, "main_cs")

	_, err = FromBytes("junk", make([]byte, 24))
	assert.Error(t, err)
}
