package accel

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
)

// Mesh is indexed triangle geometry: three float32 coordinates per vertex and
// three indices per triangle.
type Mesh struct {
	Positions []float32
	Indices   []uint32
}

func (m Mesh) VertexCount() int   { return len(m.Positions) / 3 }
func (m Mesh) TriangleCount() int { return len(m.Indices) / 3 }

func (m Mesh) validate() error {
	if len(m.Positions) == 0 || len(m.Positions)%3 != 0 {
		return errors.Newf("mesh has %d coordinates, want a positive multiple of 3", len(m.Positions))
	}
	if len(m.Indices) == 0 || len(m.Indices)%3 != 0 {
		return errors.Newf("mesh has %d indices, want a positive multiple of 3", len(m.Indices))
	}
	for _, index := range m.Indices {
		if int(index) >= m.VertexCount() {
			return errors.Newf("index %d out of range for %d vertices", index, m.VertexCount())
		}
	}
	return nil
}

// Quad is a two-triangle square spanning [-1, 1] on X and Y at Z = 0.
func Quad() Mesh {
	return Mesh{
		Positions: []float32{
			-1, -1, 0,
			1, -1, 0,
			1, 1, 0,
			-1, 1, 0,
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	}
}

// LoadOBJ reads a Wavefront mesh. The material file is optional.
func LoadOBJ(objPath, mtlPath string) (Mesh, error) {
	meshFile, err := os.Open(objPath)
	if err != nil {
		return Mesh{}, errors.Wrap(err, "open mesh")
	}
	defer meshFile.Close()

	var matReader io.Reader = strings.NewReader("")
	if mtlPath != "" {
		matFile, err := os.Open(mtlPath)
		if err != nil {
			return Mesh{}, errors.Wrap(err, "open material")
		}
		defer matFile.Close()
		matReader = matFile
	}

	mesh, err := DecodeOBJ(meshFile, matReader)
	if err != nil {
		return Mesh{}, errors.Wrapf(err, "load %s", objPath)
	}
	return mesh, nil
}

// DecodeOBJ converts every object of a Wavefront stream into one mesh. Faces
// with more than three vertices are triangulated as a fan around their first
// vertex.
func DecodeOBJ(objReader, mtlReader io.Reader) (Mesh, error) {
	decoder, err := obj.DecodeReader(objReader, mtlReader)
	if err != nil {
		return Mesh{}, errors.Wrap(err, "decode obj")
	}

	var mesh Mesh
	uniqueVertices := make(map[int]uint32)

	addVertex := func(face obj.Face, faceIndex int) {
		vertInd := face.Vertices[faceIndex]
		index, vertexExists := uniqueVertices[vertInd]
		if !vertexExists {
			index = uint32(mesh.VertexCount())
			mesh.Positions = append(mesh.Positions,
				decoder.Vertices[vertInd*3],
				decoder.Vertices[vertInd*3+1],
				decoder.Vertices[vertInd*3+2],
			)
			uniqueVertices[vertInd] = index
		}
		mesh.Indices = append(mesh.Indices, index)
	}

	for _, decodedObj := range decoder.Objects {
		for _, face := range decodedObj.Faces {
			for i := 2; i < len(face.Vertices); i++ {
				addVertex(face, 0)
				addVertex(face, i-1)
				addVertex(face, i)
			}
		}
	}

	if err := mesh.validate(); err != nil {
		return Mesh{}, err
	}
	return mesh, nil
}
