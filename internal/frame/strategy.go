package frame

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/config"
	"github.com/vkngwrapper/raytracer/internal/gpu"
)

type Pass int

const (
	PassCompute Pass = iota
	PassRayTrace
)

func (p Pass) String() string {
	if p == PassRayTrace {
		return config.PassRayTrace
	}
	return config.PassCompute
}

type Composition int

const (
	// CompositionCopy transfers the render target into the presentable image.
	CompositionCopy Composition = iota
	// CompositionSampled draws a full-screen strip sampling the render target.
	CompositionSampled
)

func (c Composition) String() string {
	if c == CompositionSampled {
		return config.CompositionSampled
	}
	return config.CompositionCopy
}

type Sync int

const (
	// SyncWait blocks on every frame's fence before the next frame starts.
	SyncWait Sync = iota
	// SyncPipelined keeps up to FramesInFlight frames queued.
	SyncPipelined
)

func (s Sync) String() string {
	if s == SyncPipelined {
		return config.SyncPipelined
	}
	return config.SyncWait
}

// Strategy selects the variant of the frame protocol the driver runs.
type Strategy struct {
	Pass        Pass
	Composition Composition
	Sync        Sync
	// FramesInFlight bounds pipelined frames; it is further limited by the
	// presentable image count.
	FramesInFlight int
}

func StrategyFromConfig(cfg config.RenderConfig) (Strategy, error) {
	var s Strategy

	switch cfg.Pass {
	case config.PassCompute:
		s.Pass = PassCompute
	case config.PassRayTrace:
		s.Pass = PassRayTrace
	default:
		return Strategy{}, errors.Newf("unknown pass %q", cfg.Pass)
	}

	switch cfg.Composition {
	case config.CompositionCopy:
		s.Composition = CompositionCopy
	case config.CompositionSampled:
		s.Composition = CompositionSampled
	default:
		return Strategy{}, errors.Newf("unknown composition %q", cfg.Composition)
	}

	switch cfg.Sync {
	case config.SyncWait:
		s.Sync = SyncWait
	case config.SyncPipelined:
		s.Sync = SyncPipelined
	default:
		return Strategy{}, errors.Newf("unknown sync discipline %q", cfg.Sync)
	}

	s.FramesInFlight = max(cfg.FramesInFlight, 1)
	return s, nil
}

// framesInFlight is the number of synchronization tokens for a swapchain of
// imageCount images.
func (s Strategy) framesInFlight(imageCount int) int {
	if s.Sync == SyncWait {
		return 1
	}
	return max(1, min(s.FramesInFlight, imageCount))
}

// SwapchainUsage is what the composition step does to presentable images.
func (s Strategy) SwapchainUsage() gpu.ImageUsage {
	if s.Composition == CompositionSampled {
		return gpu.ImageUsageColorAttachment
	}
	return gpu.ImageUsageTransferDst
}

// waitStage is the first stage of a frame that touches the acquired image.
func (s Strategy) waitStage() gpu.PipelineStage {
	if s.Composition == CompositionSampled {
		return gpu.PipelineStageColorAttachmentOutput
	}
	return gpu.PipelineStageTransfer
}

func (s Strategy) String() string {
	return s.Pass.String() + "/" + s.Composition.String() + "/" + s.Sync.String()
}
