package shader

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

// SPIR-V opcodes, decorations and enumerants read by Reflect.
const (
	opName                         = 5
	opEntryPoint                   = 15
	opExecutionMode                = 16
	opTypeInt                      = 21
	opTypeFloat                    = 22
	opTypeVector                   = 23
	opTypeMatrix                   = 24
	opTypeImage                    = 25
	opTypeSampler                  = 26
	opTypeSampledImage             = 27
	opTypeArray                    = 28
	opTypeRuntimeArray             = 29
	opTypeStruct                   = 30
	opTypePointer                  = 32
	opConstant                     = 43
	opVariable                     = 59
	opDecorate                     = 71
	opMemberDecorate               = 72
	opTypeAccelerationStructureKHR = 5341

	decorationBlock         = 2
	decorationBufferBlock   = 3
	decorationArrayStride   = 6
	decorationMatrixStride  = 7
	decorationBinding       = 33
	decorationDescriptorSet = 34
	decorationOffset        = 35

	storageUniformConstant = 0
	storageUniform         = 2
	storagePushConstant    = 9
	storageStorageBuffer   = 12

	executionModeLocalSize = 17
)

var executionModels = map[uint32]gpu.ShaderStage{
	0:    gpu.StageVertex,
	4:    gpu.StageFragment,
	5:    gpu.StageCompute,
	5313: gpu.StageRayGeneration,
	5316: gpu.StageClosestHit,
	5317: gpu.StageMiss,
}

type EntryPoint struct {
	Name  string
	Stage gpu.ShaderStage
	// LocalSize is the work-group shape; zero for non-compute stages.
	LocalSize [3]int
}

// Resource is a descriptor the module declares.
type Resource struct {
	Name    string
	Set     int
	Binding int
	Type    gpu.BindingType
	Count   int
}

type Reflection struct {
	EntryPoints []EntryPoint
	// Resources are sorted by set, then binding.
	Resources []Resource
	// PushConstantSize is the byte size of the push constant block, zero if none.
	PushConstantSize int
}

func (r *Reflection) EntryPoint(name string) (EntryPoint, bool) {
	for _, entry := range r.EntryPoints {
		if entry.Name == name {
			return entry, true
		}
	}
	return EntryPoint{}, false
}

func (r *Reflection) EntryPointNames() []string {
	names := make([]string, 0, len(r.EntryPoints))
	for _, entry := range r.EntryPoints {
		names = append(names, entry.Name)
	}
	return names
}

type spirvType struct {
	op       uint32
	operands []uint32
}

type decorations struct {
	set, binding       int
	hasSet, hasBinding bool
	block, bufferBlock bool
	arrayStride        int
}

type memberKey struct {
	id     uint32
	member uint32
}

type reflector struct {
	names        map[uint32]string
	types        map[uint32]spirvType
	constants    map[uint32]uint32
	decorations  map[uint32]*decorations
	memberOffset map[memberKey]int
	matrixStride map[memberKey]int
	variables    []variable
	entries      []EntryPoint
	entryIDs     map[uint32]int
}

type variable struct {
	id, pointerType, storage uint32
}

// Reflect reads entry points, descriptor bindings and the push constant block
// size from a SPIR-V module.
func Reflect(code []uint32) (*Reflection, error) {
	if len(code) < 5 || code[0] != spirvMagic {
		return nil, errors.New("not a SPIR-V module")
	}

	r := &reflector{
		names:        map[uint32]string{},
		types:        map[uint32]spirvType{},
		constants:    map[uint32]uint32{},
		decorations:  map[uint32]*decorations{},
		memberOffset: map[memberKey]int{},
		matrixStride: map[memberKey]int{},
		entryIDs:     map[uint32]int{},
	}

	for pos := 5; pos < len(code); {
		wordCount := int(code[pos] >> 16)
		opcode := code[pos] & 0xFFFF
		if wordCount == 0 || pos+wordCount > len(code) {
			return nil, errors.Newf("malformed instruction at word %d", pos)
		}
		r.instruction(opcode, code[pos+1:pos+wordCount])
		pos += wordCount
	}

	return r.result()
}

func (r *reflector) decoration(id uint32) *decorations {
	d, ok := r.decorations[id]
	if !ok {
		d = &decorations{}
		r.decorations[id] = d
	}
	return d
}

func (r *reflector) instruction(opcode uint32, operands []uint32) {
	switch opcode {
	case opName:
		if len(operands) >= 2 {
			r.names[operands[0]], _ = literalString(operands[1:])
		}

	case opEntryPoint:
		if len(operands) < 3 {
			return
		}
		stage, ok := executionModels[operands[0]]
		if !ok {
			return
		}
		name, _ := literalString(operands[2:])
		r.entryIDs[operands[1]] = len(r.entries)
		r.entries = append(r.entries, EntryPoint{Name: name, Stage: stage})

	case opExecutionMode:
		if len(operands) >= 5 && operands[1] == executionModeLocalSize {
			if index, ok := r.entryIDs[operands[0]]; ok {
				r.entries[index].LocalSize = [3]int{int(operands[2]), int(operands[3]), int(operands[4])}
			}
		}

	case opTypeInt, opTypeFloat, opTypeVector, opTypeMatrix, opTypeImage, opTypeSampler,
		opTypeSampledImage, opTypeArray, opTypeRuntimeArray, opTypeStruct, opTypePointer,
		opTypeAccelerationStructureKHR:
		if len(operands) >= 1 {
			r.types[operands[0]] = spirvType{op: opcode, operands: operands[1:]}
		}

	case opConstant:
		if len(operands) >= 3 {
			r.constants[operands[1]] = operands[2]
		}

	case opVariable:
		if len(operands) >= 3 {
			r.variables = append(r.variables, variable{pointerType: operands[0], id: operands[1], storage: operands[2]})
		}

	case opDecorate:
		if len(operands) < 2 {
			return
		}
		d := r.decoration(operands[0])
		switch operands[1] {
		case decorationDescriptorSet:
			if len(operands) >= 3 {
				d.set, d.hasSet = int(operands[2]), true
			}
		case decorationBinding:
			if len(operands) >= 3 {
				d.binding, d.hasBinding = int(operands[2]), true
			}
		case decorationBlock:
			d.block = true
		case decorationBufferBlock:
			d.bufferBlock = true
		case decorationArrayStride:
			if len(operands) >= 3 {
				d.arrayStride = int(operands[2])
			}
		}

	case opMemberDecorate:
		if len(operands) < 4 {
			return
		}
		key := memberKey{operands[0], operands[1]}
		switch operands[2] {
		case decorationOffset:
			r.memberOffset[key] = int(operands[3])
		case decorationMatrixStride:
			r.matrixStride[key] = int(operands[3])
		}
	}
}

func (r *reflector) result() (*Reflection, error) {
	out := &Reflection{EntryPoints: r.entries}

	for _, v := range r.variables {
		pointer, ok := r.types[v.pointerType]
		if !ok || pointer.op != opTypePointer || len(pointer.operands) < 2 {
			continue
		}
		pointee := pointer.operands[1]

		if v.storage == storagePushConstant {
			size, err := r.size(pointee, memberKey{})
			if err != nil {
				return nil, errors.Wrapf(err, "push constant block %s", r.names[v.id])
			}
			out.PushConstantSize = max(out.PushConstantSize, size)
			continue
		}

		d := r.decorations[v.id]
		if d == nil || !d.hasSet || !d.hasBinding {
			continue
		}

		count := 1
		elem := pointee
		if t := r.types[elem]; t.op == opTypeArray && len(t.operands) >= 2 {
			count = int(r.constants[t.operands[1]])
			elem = t.operands[0]
		}

		bindingType, ok := r.bindingType(elem, v.storage)
		if !ok {
			continue
		}
		out.Resources = append(out.Resources, Resource{
			Name:    r.names[v.id],
			Set:     d.set,
			Binding: d.binding,
			Type:    bindingType,
			Count:   count,
		})
	}

	sort.Slice(out.Resources, func(i, j int) bool {
		if out.Resources[i].Set != out.Resources[j].Set {
			return out.Resources[i].Set < out.Resources[j].Set
		}
		return out.Resources[i].Binding < out.Resources[j].Binding
	})

	return out, nil
}

func (r *reflector) bindingType(id uint32, storage uint32) (gpu.BindingType, bool) {
	t, ok := r.types[id]
	if !ok {
		return 0, false
	}

	switch storage {
	case storageUniformConstant:
		switch t.op {
		case opTypeImage:
			// operands: sampled type, dim, depth, arrayed, ms, sampled, format
			if len(t.operands) >= 6 && t.operands[5] == 2 {
				return gpu.BindingStorageImage, true
			}
			return gpu.BindingSampledImage, true
		case opTypeSampler:
			return gpu.BindingSampler, true
		case opTypeSampledImage:
			return gpu.BindingCombinedImageSampler, true
		case opTypeAccelerationStructureKHR:
			return gpu.BindingAccelerationStructure, true
		}
	case storageUniform:
		if d := r.decorations[id]; d != nil && d.bufferBlock {
			return gpu.BindingStorageBuffer, true
		}
		return gpu.BindingUniformBuffer, true
	case storageStorageBuffer:
		return gpu.BindingStorageBuffer, true
	}

	return 0, false
}

// size computes the byte size of a type laid out with explicit offsets.
// member identifies the struct member the type sits in, for matrix strides.
func (r *reflector) size(id uint32, member memberKey) (int, error) {
	t, ok := r.types[id]
	if !ok {
		return 0, errors.Newf("unknown type %%%d", id)
	}

	switch t.op {
	case opTypeInt, opTypeFloat:
		return int(t.operands[0]) / 8, nil

	case opTypeVector:
		component, err := r.size(t.operands[0], member)
		if err != nil {
			return 0, err
		}
		return component * int(t.operands[1]), nil

	case opTypeMatrix:
		columns := int(t.operands[1])
		if stride, ok := r.matrixStride[member]; ok {
			return stride * columns, nil
		}
		column, err := r.size(t.operands[0], member)
		if err != nil {
			return 0, err
		}
		return column * columns, nil

	case opTypeArray:
		length := int(r.constants[t.operands[1]])
		if d := r.decorations[id]; d != nil && d.arrayStride > 0 {
			return d.arrayStride * length, nil
		}
		elem, err := r.size(t.operands[0], member)
		if err != nil {
			return 0, err
		}
		return elem * length, nil

	case opTypeStruct:
		size := 0
		for i, memberType := range t.operands {
			key := memberKey{id, uint32(i)}
			memberSize, err := r.size(memberType, key)
			if err != nil {
				return 0, err
			}
			size = max(size, r.memberOffset[key]+memberSize)
		}
		return size, nil
	}

	return 0, errors.Newf("type %%%d (op %d) has no fixed size", id, t.op)
}

// literalString decodes a nul-terminated SPIR-V string literal and returns it
// with the number of words it occupied.
func literalString(words []uint32) (string, int) {
	var buf []byte
	for i, word := range words {
		for shift := 0; shift < 32; shift += 8 {
			c := byte(word >> shift)
			if c == 0 {
				return string(buf), i + 1
			}
			buf = append(buf, c)
		}
	}
	return string(buf), len(words)
}
