// Package shader turns shader sources and SPIR-V blobs into reflected modules
// the pipeline builder can consume.
package shader

import (
	"os"

	"github.com/cockroachdb/errors"
)

const (
	spirvMagic        = 0x07230203
	spirvMagicSwapped = 0x03022307
)

// Module is a SPIR-V binary plus what reflection found in it.
type Module struct {
	Name       string
	Code       []uint32
	Reflection *Reflection
}

// EntryPoint returns the named entry point.
func (m *Module) EntryPoint(name string) (EntryPoint, error) {
	entry, ok := m.Reflection.EntryPoint(name)
	if !ok {
		return EntryPoint{}, errors.Newf("module %s has no entry point %q (have %v)", m.Name, name, m.Reflection.EntryPointNames())
	}
	return entry, nil
}

// Load reads a compiled SPIR-V blob from disk.
func Load(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read shader %s", path)
	}
	return FromBytes(path, data)
}

// FromBytes decodes a SPIR-V blob in either byte order and reflects it.
func FromBytes(name string, b []byte) (*Module, error) {
	if len(b) < 20 || len(b)%4 != 0 {
		return nil, errors.Newf("shader %s: %d bytes is not a SPIR-V module", name, len(b))
	}

	code := bytesToBytecode(b)
	switch code[0] {
	case spirvMagic:
	case spirvMagicSwapped:
		for i, word := range code {
			code[i] = word>>24 | (word>>8)&0xFF00 | (word<<8)&0xFF0000 | word<<24
		}
	default:
		return nil, errors.Newf("shader %s: bad magic %#08x", name, code[0])
	}

	reflection, err := Reflect(code)
	if err != nil {
		return nil, errors.Wrapf(err, "reflect shader %s", name)
	}

	return &Module{Name: name, Code: code, Reflection: reflection}, nil
}

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] = uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}

	return byteCode
}
