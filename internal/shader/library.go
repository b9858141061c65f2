package shader

import (
	"context"
	"embed"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/naga"
	"github.com/gogpu/naga/spirv"
	"golang.org/x/sync/errgroup"
)

//go:generate glslangValidator -V --target-env vulkan1.2 -e generate_rays --source-entrypoint main -o ../../shaders/raytrace.rgen.spv ../../shaders/raytrace.rgen
//go:generate glslangValidator -V --target-env vulkan1.2 -e ray_miss --source-entrypoint main -o ../../shaders/raytrace.rmiss.spv ../../shaders/raytrace.rmiss
//go:generate glslangValidator -V --target-env vulkan1.2 -e ray_hit --source-entrypoint main -o ../../shaders/raytrace.rchit.spv ../../shaders/raytrace.rchit
//go:generate spirv-link --target-env vulkan1.2 -o ../../shaders/raytrace.spv ../../shaders/raytrace.rgen.spv ../../shaders/raytrace.rmiss.spv ../../shaders/raytrace.rchit.spv

//go:embed wgsl/*.wgsl
var sources embed.FS

const (
	Compute = "compute"
	Present = "present"

	ComputeEntry  = "main_cs"
	VertexEntry   = "vs_main"
	FragmentEntry = "fs_main"
)

// Library holds the modules built into the binary, compiled from WGSL.
type Library struct {
	modules map[string]*Module
}

// CompileBuiltin compiles every embedded WGSL source in parallel.
func CompileBuiltin(ctx context.Context, validate bool, logger *slog.Logger) (*Library, error) {
	entries, err := sources.ReadDir("wgsl")
	if err != nil {
		return nil, errors.Wrap(err, "list embedded shaders")
	}

	opts := naga.DefaultOptions()
	opts.SPIRVVersion = spirv.Version1_3
	opts.Validate = validate

	var mu sync.Mutex
	library := &Library{modules: map[string]*Module{}}

	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			name := strings.TrimSuffix(entry.Name(), ".wgsl")
			source, err := sources.ReadFile(path.Join("wgsl", entry.Name()))
			if err != nil {
				return errors.Wrapf(err, "read %s", entry.Name())
			}

			module, err := CompileWGSL(name, string(source), opts)
			if err != nil {
				return err
			}
			logger.Debug("Compiled shader", "name", name, "words", len(module.Code), "entries", module.Reflection.EntryPointNames())

			mu.Lock()
			library.modules[name] = module
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return library, nil
}

// CompileWGSL compiles one WGSL source to a reflected SPIR-V module.
func CompileWGSL(name, source string, opts naga.CompileOptions) (*Module, error) {
	spv, err := naga.CompileWithOptions(source, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "compile %s", name)
	}
	module, err := FromBytes(name, spv)
	if err != nil {
		return nil, err
	}
	return module, nil
}

func (l *Library) Module(name string) (*Module, error) {
	module, ok := l.modules[name]
	if !ok {
		return nil, errors.Newf("no builtin shader %q", name)
	}
	return module, nil
}
